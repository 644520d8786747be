// Package ann 封装 FDE 向量所使用的近似最近邻索引。
package ann

import "github.com/google/uuid"

// Point 是索引中的一行：FDE 向量加若干小字段，分块内容与多向量本身存放在对象存储。
type Point struct {
	ChunkID        string // "{document_id}-{chunk_number}"
	DocumentID     string
	ChunkNumber    int
	Vector         []float32
	ContentKey     string // 分块内容的对象键
	Metadata       string // JSON 字符串
	Bucket         string // 多向量所在 bucket
	MultiVectorKey string // 多向量对象键
}

// Hit 是一次检索命中。
type Hit struct {
	Point
	Score float64
}

// PointUUID 把分块 ID 映射为确定性的 UUIDv5，作为索引主键。
func PointUUID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("morphik-chunk:"+chunkID)).String()
}
