// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"strings"
)

// Embedding 是分块的向量表示：稠密向量或多向量（每个 patch/token 一行）二选一。
type Embedding struct {
	Vector      []float32   `json:"vector,omitempty"`
	MultiVector [][]float32 `json:"multi_vector,omitempty"`
}

// DenseEmbedding 构造稠密向量。
func DenseEmbedding(v []float32) Embedding {
	return Embedding{Vector: v}
}

// MultiVectorEmbedding 构造多向量。
func MultiVectorEmbedding(mv [][]float32) Embedding {
	return Embedding{MultiVector: mv}
}

// IsEmpty 判断是否没有任何向量数据。
func (e Embedding) IsEmpty() bool {
	return len(e.Vector) == 0 && len(e.MultiVector) == 0
}

// IsMultiVector 判断是否为多向量。
func (e Embedding) IsMultiVector() bool {
	return len(e.MultiVector) > 0
}

// DocumentChunk 是检索的原子单位。
// (DocumentID, ChunkNumber) 在同一个存储内唯一。
type DocumentChunk struct {
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Content     string                 `json:"content"`
	Embedding   Embedding              `json:"-"`
	Metadata    map[string]interface{} `json:"metadata"`
	Score       float64                `json:"score"`
}

// ChunkID 返回 "{document_id}-{chunk_number}" 形式的合成 ID。
func (c DocumentChunk) ChunkID() string {
	return ChunkIdentifier{DocumentID: c.DocumentID, ChunkNumber: c.ChunkNumber}.String()
}

// Identifier 返回分块的寻址键。
func (c DocumentChunk) Identifier() ChunkIdentifier {
	return ChunkIdentifier{DocumentID: c.DocumentID, ChunkNumber: c.ChunkNumber}
}

// IsImage 读取元数据中的 is_image 标记。
func (c DocumentChunk) IsImage() bool {
	if c.Metadata == nil {
		return false
	}
	switch v := c.Metadata["is_image"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// ChunkIdentifier 是 (document_id, chunk_number) 寻址键。
type ChunkIdentifier struct {
	DocumentID  string `json:"document_id"`
	ChunkNumber int    `json:"chunk_number"`
}

func (id ChunkIdentifier) String() string {
	return fmt.Sprintf("%s-%d", id.DocumentID, id.ChunkNumber)
}

// ItemStatus 是批量写入中单个分块的结果状态。
type ItemStatus string

const (
	ItemStored  ItemStatus = "stored"
	ItemSkipped ItemStatus = "skipped"
	ItemFailed  ItemStatus = "failed"
)

// ItemResult 记录批量写入中单个分块的结果。
type ItemResult struct {
	ChunkID string     `json:"chunk_id"`
	Status  ItemStatus `json:"status"`
	Reason  string     `json:"reason,omitempty"`
}

// StoreResult 是 StoreEmbeddings 的返回值。
type StoreResult struct {
	Success bool         `json:"success"`
	Items   []ItemResult `json:"items"`
}

// StoredIDs 返回成功写入的分块 ID，顺序与输入一致。
func (r *StoreResult) StoredIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Status == ItemStored {
			ids = append(ids, item.ChunkID)
		}
	}
	return ids
}

// Count 统计某种状态的条目数。
func (r *StoreResult) Count(status ItemStatus) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, item := range r.Items {
		if item.Status == status {
			n++
		}
	}
	return n
}

// ChunkResult 是返回给调用方的分块，附带文档级元数据。
type ChunkResult struct {
	Content     string                 `json:"content"`
	Score       float64                `json:"score"`
	DocumentID  string                 `json:"document_id"`
	ChunkNumber int                    `json:"chunk_number"`
	Metadata    map[string]interface{} `json:"metadata"`
	ContentType string                 `json:"content_type"`
	Filename    string                 `json:"filename,omitempty"`
	DownloadURL string                 `json:"download_url,omitempty"`
	IsPadding   bool                   `json:"is_padding"`
}

// ChunkGroup 把一个主分块与同文档的若干 padding 分块关联起来。
type ChunkGroup struct {
	MainChunk     ChunkResult   `json:"main_chunk"`
	PaddingChunks []ChunkResult `json:"padding_chunks"`
	TotalChunks   int           `json:"total_chunks"`
}

// GroupedChunkResponse 同时返回平铺结果与分组结果。
type GroupedChunkResponse struct {
	Chunks     []ChunkResult `json:"chunks"`
	Groups     []ChunkGroup  `json:"groups"`
	HasPadding bool          `json:"has_padding"`
}
