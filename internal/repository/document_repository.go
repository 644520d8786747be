// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"morphik-go/internal/model"
)

// ErrDocumentNotFound 表示文档不存在。
var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepository 接口定义了文档元数据的持久化操作。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	FindByIDs(ctx context.Context, ids []string) ([]model.Document, error)
	// FindAuthorizedIDs 返回调用方可访问的文档 ID；candidates 非 nil 时只在其中筛选。
	FindAuthorizedIDs(ctx context.Context, auth model.AuthContext, candidates []string) ([]string, error)
	FindAppID(ctx context.Context, id string) (string, error)
	UpdateStatus(ctx context.Context, id, status string, chunkCount int, errMsg string) error
	Delete(ctx context.Context, id string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// Create 创建文档记录。
func (r *documentRepository) Create(ctx context.Context, doc *model.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// FindByID 根据外部 ID 查找文档。
func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("external_id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByIDs 批量查找文档，不存在的 ID 被忽略。
func (r *documentRepository) FindByIDs(ctx context.Context, ids []string) ([]model.Document, error) {
	var docs []model.Document
	if len(ids) == 0 {
		return docs, nil
	}
	err := r.db.WithContext(ctx).Where("external_id IN ?", ids).Find(&docs).Error
	return docs, err
}

// FindAuthorizedIDs 查找调用方可访问的文档。
// 带 app_id 的调用方只能看到同一应用下的文档，否则只能看到自己拥有的文档。
func (r *documentRepository) FindAuthorizedIDs(ctx context.Context, auth model.AuthContext, candidates []string) ([]string, error) {
	ids := []string{}
	if candidates != nil && len(candidates) == 0 {
		return ids, nil
	}
	q := r.db.WithContext(ctx).Model(&model.Document{})
	if auth.AppID != "" {
		q = q.Where("app_id = ?", auth.AppID)
	} else {
		q = q.Where("owner_id = ?", auth.EntityID)
	}
	if candidates != nil {
		q = q.Where("external_id IN ?", candidates)
	}
	err := q.Order("external_id").Pluck("external_id", &ids).Error
	return ids, err
}

// FindAppID 返回文档所属的 app_id。
func (r *documentRepository) FindAppID(ctx context.Context, id string) (string, error) {
	var appIDs []string
	err := r.db.WithContext(ctx).Model(&model.Document{}).Where("external_id = ?", id).Limit(1).Pluck("app_id", &appIDs).Error
	if err != nil {
		return "", err
	}
	if len(appIDs) == 0 {
		return "", ErrDocumentNotFound
	}
	return appIDs[0], nil
}

// UpdateStatus 更新文档处理状态。
func (r *documentRepository) UpdateStatus(ctx context.Context, id, status string, chunkCount int, errMsg string) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).Where("external_id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"chunk_count": chunkCount,
		"error":       errMsg,
	}).Error
}

// Delete 删除文档记录。
func (r *documentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("external_id = ?", id).Delete(&model.Document{}).Error
}
