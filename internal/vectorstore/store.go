// Package vectorstore 定义向量存储接口及其实现：
// Elasticsearch 稠密存储、关系型多向量存储、FDE 快速多向量存储，以及迁移期的双写包装。
package vectorstore

import (
	"context"
	"encoding/json"
	"sort"

	"morphik-go/internal/model"
	"morphik-go/pkg/log"
)

// VectorStore 是检索层依赖的唯一存储接口。
// QuerySimilar 返回的分块按 Score 降序排列，长度不超过 k，且不携带 Embedding。
// docIDs 为 nil 表示不过滤；非 nil 的空切片表示没有可访问的文档，结果为空。
type VectorStore interface {
	Initialize(ctx context.Context) error
	StoreEmbeddings(ctx context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error)
	QuerySimilar(ctx context.Context, query model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error)
	GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error)
	DeleteChunksByDocumentID(ctx context.Context, documentID string) error
}

// emptyFilter 判断 docIDs 是否为显式的空白名单。
func emptyFilter(docIDs []string) bool {
	return docIDs != nil && len(docIDs) == 0
}

// encodeMetadata 把元数据编码为 JSON 字符串，nil 编码为 "{}"。
func encodeMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeMetadata 解析元数据；内容损坏时记录日志并返回空 map。
func decodeMetadata(component, chunkID, raw string) map[string]interface{} {
	out := map[string]interface{}{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warnf("[%s] 分块元数据解析失败, chunk: %s, error: %v", component, chunkID, err)
		return map[string]interface{}{}
	}
	return out
}

// sortByScore 按得分降序排序，同分时按 (document_id, chunk_number) 升序。
func sortByScore(chunks []model.DocumentChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if chunks[i].DocumentID != chunks[j].DocumentID {
			return chunks[i].DocumentID < chunks[j].DocumentID
		}
		return chunks[i].ChunkNumber < chunks[j].ChunkNumber
	})
}
