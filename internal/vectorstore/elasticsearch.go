package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"morphik-go/internal/model"
	"morphik-go/pkg/es"
	"morphik-go/pkg/log"
)

// ElasticsearchStore 是稠密向量存储，使用 dense_vector 字段做 kNN 检索。
type ElasticsearchStore struct {
	client     *elasticsearch.Client
	index      string
	dimensions int
}

// NewElasticsearchStore 创建稠密向量存储。
func NewElasticsearchStore(client *elasticsearch.Client, index string, dimensions int) *ElasticsearchStore {
	return &ElasticsearchStore{client: client, index: index, dimensions: dimensions}
}

// Initialize 确保索引存在。
func (s *ElasticsearchStore) Initialize(ctx context.Context) error {
	return es.EnsureIndex(ctx, s.client, s.index, s.dimensions)
}

// StoreEmbeddings 通过 _bulk 批量写入，文档 _id 为分块 ID，重复写入即覆盖。
func (s *ElasticsearchStore) StoreEmbeddings(ctx context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	result := &model.StoreResult{Items: make([]model.ItemResult, len(chunks))}
	var body bytes.Buffer
	indexed := make([]int, 0, len(chunks))

	for i, c := range chunks {
		result.Items[i] = model.ItemResult{ChunkID: c.ChunkID()}
		if len(c.Embedding.Vector) == 0 {
			log.Errorf("[ElasticsearchStore] 分块缺少稠密向量，跳过, chunk: %s", c.ChunkID())
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "missing dense embedding"
			continue
		}
		if s.dimensions > 0 && len(c.Embedding.Vector) != s.dimensions {
			return nil, fmt.Errorf("chunk %s: %w: dimension %d, want %d", c.ChunkID(), ErrInvalidEmbedding, len(c.Embedding.Vector), s.dimensions)
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "metadata not serializable"
			continue
		}
		doc := model.EsChunk{
			ChunkID:     c.ChunkID(),
			DocumentID:  c.DocumentID,
			ChunkNumber: c.ChunkNumber,
			Content:     c.Content,
			Metadata:    meta,
			Vector:      c.Embedding.Vector,
		}
		action := map[string]any{"index": map[string]any{"_index": s.index, "_id": doc.ChunkID}}
		if err := writeNDJSON(&body, action, doc); err != nil {
			return nil, fmt.Errorf("encode bulk body: %w", err)
		}
		indexed = append(indexed, i)
	}

	if len(indexed) == 0 {
		result.Success = true
		return result, nil
	}

	res, err := s.client.Bulk(&body,
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: bulk index: %w", ErrStorageUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("bulk index", res)
	}

	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	for n, i := range indexed {
		result.Items[i].Status = model.ItemStored
		if n >= len(parsed.Items) {
			continue
		}
		for _, item := range parsed.Items[n] {
			if item.Error != nil {
				result.Items[i].Status = model.ItemFailed
				result.Items[i].Reason = item.Error.Type + ": " + item.Error.Reason
			}
		}
	}
	result.Success = result.Count(model.ItemFailed) == 0
	log.Infof("[ElasticsearchStore] 批量写入完成, stored: %d, failed: %d", result.Count(model.ItemStored), result.Count(model.ItemFailed))
	return result, nil
}

type esHit struct {
	ID     string        `json:"_id"`
	Score  float64       `json:"_score"`
	Found  bool          `json:"found"`
	Source model.EsChunk `json:"_source"`
}

func (h esHit) chunk(withScore bool) model.DocumentChunk {
	c := model.DocumentChunk{
		DocumentID:  h.Source.DocumentID,
		ChunkNumber: h.Source.ChunkNumber,
		Content:     h.Source.Content,
	}
	c.Metadata = decodeMetadata("ElasticsearchStore", c.ChunkID(), h.Source.Metadata)
	if withScore {
		c.Score = h.Score
	}
	return c
}

// QuerySimilar 执行 kNN 检索，docIDs 作为 terms 过滤条件。
func (s *ElasticsearchStore) QuerySimilar(ctx context.Context, query model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error) {
	if k <= 0 || emptyFilter(docIDs) {
		return []model.DocumentChunk{}, nil
	}
	if len(query.Vector) == 0 {
		return nil, fmt.Errorf("%w: dense store requires a dense query vector", ErrInvalidEmbedding)
	}

	numCandidates := k * 2
	if numCandidates < 100 {
		numCandidates = 100
	}
	if numCandidates > 10000 {
		numCandidates = 10000
	}
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   query.Vector,
		"k":              k,
		"num_candidates": numCandidates,
	}
	if docIDs != nil {
		knn["filter"] = map[string]any{"terms": map[string]any{"document_id": docIDs}}
	}
	reqBody := map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": map[string]any{"excludes": []string{"vector"}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, fmt.Errorf("encode knn query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: knn search: %w", ErrStorageUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("knn search", res)
	}

	var parsed struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode knn response: %w", err)
	}

	out := make([]model.DocumentChunk, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.chunk(true))
	}
	sortByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// GetChunksByID 通过 _mget 按分块 ID 取回。
func (s *ElasticsearchStore) GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	if len(ids) == 0 {
		return []model.DocumentChunk{}, nil
	}
	docIDs := make([]string, len(ids))
	for i, id := range ids {
		docIDs[i] = id.String()
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]any{"ids": docIDs}); err != nil {
		return nil, fmt.Errorf("encode mget body: %w", err)
	}

	res, err := s.client.Mget(&buf,
		s.client.Mget.WithContext(ctx),
		s.client.Mget.WithIndex(s.index),
		s.client.Mget.WithSourceExcludes("vector"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %w", ErrStorageUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError("mget", res)
	}

	var parsed struct {
		Docs []esHit `json:"docs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode mget response: %w", err)
	}
	out := make([]model.DocumentChunk, 0, len(parsed.Docs))
	for _, d := range parsed.Docs {
		if d.Found {
			out = append(out, d.chunk(false))
		}
	}
	return out, nil
}

// DeleteChunksByDocumentID 通过 delete_by_query 删除文档的全部分块。
func (s *ElasticsearchStore) DeleteChunksByDocumentID(ctx context.Context, documentID string) error {
	var buf bytes.Buffer
	query := map[string]any{"query": map[string]any{"term": map[string]any{"document_id": documentID}}}
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return fmt.Errorf("encode delete by query body: %w", err)
	}
	res, err := s.client.DeleteByQuery(
		[]string{s.index},
		&buf,
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("%w: delete by query: %w", ErrStorageUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError("delete by query", res)
	}
	log.Infof("[ElasticsearchStore] 删除文档分块, document_id: %s", documentID)
	return nil
}

func writeNDJSON(w io.Writer, lines ...any) error {
	enc := json.NewEncoder(w)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	err := fmt.Errorf("%s: elasticsearch status %d: %s", op, res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 500 {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}
