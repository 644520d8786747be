// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 文档处理状态
const (
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Document 对应于数据库中的 documents 表，记录文档级元数据。
// 分块本身不在这里，分块存放在向量存储中。
type Document struct {
	ExternalID    string    `gorm:"type:varchar(64);primaryKey;column:external_id" json:"external_id"`
	AppID         string    `gorm:"type:varchar(64);index;column:app_id" json:"app_id"`
	OwnerID       string    `gorm:"type:varchar(64);index;column:owner_id" json:"owner_id"`
	Filename      string    `gorm:"type:varchar(255);column:filename" json:"filename"`
	ContentType   string    `gorm:"type:varchar(128);column:content_type" json:"content_type"`
	StorageBucket string    `gorm:"type:varchar(128);column:storage_bucket" json:"storage_bucket"`
	StorageKey    string    `gorm:"type:varchar(512);column:storage_key" json:"storage_key"`
	Status        string    `gorm:"type:varchar(32);not null;default:processing;column:status" json:"status"`
	UseColPali    bool      `gorm:"not null;default:false;column:use_colpali" json:"use_colpali"`
	ChunkCount    int       `gorm:"not null;default:0;column:chunk_count" json:"chunk_count"`
	Error         string    `gorm:"type:text;column:error" json:"error,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}
