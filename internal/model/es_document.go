package model

// EsChunk 定义了存储在 Elasticsearch 稠密向量索引中的文档结构。
type EsChunk struct {
	ChunkID     string    `json:"chunk_id"` // "{document_id}-{chunk_number}"
	DocumentID  string    `json:"document_id"`
	ChunkNumber int       `json:"chunk_number"`
	Content     string    `json:"content"`
	Metadata    string    `json:"metadata"` // JSON 字符串
	Vector      []float32 `json:"vector"`
}
