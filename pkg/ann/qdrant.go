package ann

import (
	"context"
	"errors"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"morphik-go/internal/config"
	"morphik-go/pkg/log"
)

// payload 字段名
const (
	fieldID          = "id"
	fieldDocumentID  = "document_id"
	fieldChunkNumber = "chunk_number"
	fieldContent     = "content"
	fieldMetadata    = "metadata"
	fieldMultiVector = "multivector"
)

// QdrantIndex 是基于 Qdrant 的 ANN 索引，可被多个 goroutine 并发使用。
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex 创建 Qdrant 客户端。
func NewQdrantIndex(cfg config.QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 Qdrant 客户端失败: %w", err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection}, nil
}

// Close 关闭底层 gRPC 连接。
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// EnsureCollection 幂等地创建集合（点积距离）与 document_id 关键字索引。
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimension int) error {
	if q.collection == "" {
		return errors.New("empty collection name")
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("检查 Qdrant 集合失败: %w", err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Dot,
			}),
		})
		if err != nil {
			return fmt.Errorf("创建 Qdrant 集合失败: %w", err)
		}
		log.Infof("[QdrantIndex] 集合 '%s' 创建成功, dim: %d", q.collection, dimension)
	}

	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      fieldDocumentID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		// 索引已存在时同样会报错，不影响使用
		log.Warnf("[QdrantIndex] 创建 document_id 字段索引失败: %v", err)
	}
	return nil
}

// Upsert 一次性写入全部点，等待服务端确认。
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qps := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qps[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointUUID(p.ChunkID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldID:          p.ChunkID,
				fieldDocumentID:  p.DocumentID,
				fieldChunkNumber: int64(p.ChunkNumber),
				fieldContent:     p.ContentKey,
				fieldMetadata:    p.Metadata,
				fieldMultiVector: []any{p.Bucket, p.MultiVectorKey},
			}),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qps,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// Search 按向量检索，documentIDs 非 nil 时只在这些文档中检索。
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, documentIDs []string, limit int) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if documentIDs != nil {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords(fieldDocumentID, documentIDs...)},
		}
	}
	result, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}
	hits := make([]Hit, 0, len(result))
	for _, sp := range result {
		hits = append(hits, Hit{Point: pointFromPayload(sp.GetPayload()), Score: float64(sp.GetScore())})
	}
	return hits, nil
}

// Get 按分块 ID 点查。不存在的 ID 被忽略。
func (q *QdrantIndex) Get(ctx context.Context, chunkIDs []string) ([]Point, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	ids := make([]*qdrant.PointId, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = qdrant.NewID(PointUUID(id))
	}
	result, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get failed: %w", err)
	}
	points := make([]Point, 0, len(result))
	for _, rp := range result {
		points = append(points, pointFromPayload(rp.GetPayload()))
	}
	return points, nil
}

// DeleteByDocument 按 document_id 过滤删除。
func (q *QdrantIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldDocumentID, documentID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

func pointFromPayload(payload map[string]*qdrant.Value) Point {
	p := Point{
		ChunkID:     payload[fieldID].GetStringValue(),
		DocumentID:  payload[fieldDocumentID].GetStringValue(),
		ChunkNumber: int(payload[fieldChunkNumber].GetIntegerValue()),
		ContentKey:  payload[fieldContent].GetStringValue(),
		Metadata:    payload[fieldMetadata].GetStringValue(),
	}
	if mv := payload[fieldMultiVector].GetListValue().GetValues(); len(mv) == 2 {
		p.Bucket = mv[0].GetStringValue()
		p.MultiVectorKey = mv[1].GetStringValue()
	}
	return p
}
