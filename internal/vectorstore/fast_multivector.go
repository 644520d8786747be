package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"morphik-go/internal/model"
	"morphik-go/pkg/ann"
	"morphik-go/pkg/fde"
	"morphik-go/pkg/log"
	"morphik-go/pkg/maxsim"
	"morphik-go/pkg/npy"
	"morphik-go/pkg/storage"
)

// annQueryCap 是 ANN 阶段的候选上限基数，实际候选数为 min(10k, MaxCandidates)。
const annQueryCap = 10

// 对象存储并发上限
const storageConcurrency = 16

// DefaultAppID 在无法解析文档所属应用时使用。
const DefaultAppID = "default"

// ANNIndex 是快速存储依赖的近似最近邻索引。
type ANNIndex interface {
	EnsureCollection(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, points []ann.Point) error
	Search(ctx context.Context, vector []float32, documentIDs []string, limit int) ([]ann.Hit, error)
	Get(ctx context.Context, chunkIDs []string) ([]ann.Point, error)
	DeleteByDocument(ctx context.Context, documentID string) error
}

// AppIDResolver 返回文档所属的应用 ID，用于拼接内容对象键。
type AppIDResolver interface {
	AppID(ctx context.Context, documentID string) (string, error)
}

// FastStoreConfig 是快速存储的参数。
type FastStoreConfig struct {
	ContentBucket     string
	MultiVectorBucket string
	MaxCandidates     int
	FDE               fde.Config
}

// FastStore 把 FDE 向量写入 ANN 索引，原始多向量与分块内容写入对象存储。
// 检索分两阶段：ANN 召回候选，再下载候选多向量做精确 MaxSim 重排，只为前 k 个补全内容。
type FastStore struct {
	index   ANNIndex
	objects storage.ObjectStore
	apps    AppIDResolver
	encoder *fde.Encoder
	cfg     FastStoreConfig
}

// NewFastStore 创建快速多向量存储。apps 可以为 nil，此时一律使用 DefaultAppID。
func NewFastStore(index ANNIndex, objects storage.ObjectStore, apps AppIDResolver, cfg FastStoreConfig) (*FastStore, error) {
	encoder, err := fde.NewEncoder(cfg.FDE)
	if err != nil {
		return nil, err
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 75
	}
	return &FastStore{index: index, objects: objects, apps: apps, encoder: encoder, cfg: cfg}, nil
}

// Initialize 确保 ANN 集合与对象存储 bucket 存在。
func (s *FastStore) Initialize(ctx context.Context) error {
	if err := s.index.EnsureCollection(ctx, s.cfg.FDE.OutputDimension()); err != nil {
		return err
	}
	for _, bucket := range []string{s.cfg.ContentBucket, s.cfg.MultiVectorBucket} {
		if err := s.objects.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	log.Infof("[FastStore] 初始化完成, fde_dim: %d, max_candidates: %d", s.cfg.FDE.OutputDimension(), s.cfg.MaxCandidates)
	return nil
}

func (s *FastStore) appID(ctx context.Context, documentID string) string {
	if s.apps == nil {
		return DefaultAppID
	}
	id, err := s.apps.AppID(ctx, documentID)
	if err != nil {
		log.Warnf("[FastStore] 解析文档 app_id 失败，使用默认值, document_id: %s, error: %v", documentID, err)
		return DefaultAppID
	}
	if id == "" {
		return DefaultAppID
	}
	return id
}

// contentObject 根据分块类型决定内容对象键和 Content-Type。
func (s *FastStore) contentObject(appID string, c model.DocumentChunk) (key, contentType string) {
	if c.IsImage() {
		ext, mimeType := storage.DetectImage(c.Content)
		return storage.ContentKey(appID, c.DocumentID, c.ChunkNumber, ext), mimeType
	}
	return storage.ContentKey(appID, c.DocumentID, c.ChunkNumber, ".txt"), "text/plain; charset=utf-8"
}

// StoreEmbeddings 批量编码、并发上传内容与多向量，最后一次性写入索引。
// 索引写入失败直接返回错误。
func (s *FastStore) StoreEmbeddings(ctx context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	result := &model.StoreResult{Items: make([]model.ItemResult, len(chunks))}
	var (
		valid []int
		mvs   [][][]float32
		metas []string
	)
	for i, c := range chunks {
		result.Items[i] = model.ItemResult{ChunkID: c.ChunkID()}
		if !c.Embedding.IsMultiVector() {
			log.Errorf("[FastStore] 分块缺少多向量，跳过, chunk: %s", c.ChunkID())
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "missing multi-vector embedding"
			continue
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			log.Errorf("[FastStore] 分块元数据无法编码，跳过, chunk: %s, error: %v", c.ChunkID(), err)
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "metadata not serializable"
			continue
		}
		valid = append(valid, i)
		mvs = append(mvs, c.Embedding.MultiVector)
		metas = append(metas, meta)
	}
	if len(valid) == 0 {
		result.Success = true
		return result, nil
	}

	// encode
	sketches, err := s.encoder.EncodeDocuments(mvs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEmbedding, err)
	}

	apps := make(map[string]string)
	for _, i := range valid {
		doc := chunks[i].DocumentID
		if _, ok := apps[doc]; !ok {
			apps[doc] = s.appID(ctx, doc)
		}
	}

	// 所有可能失败的本地编码都在上传开始前完成，失败时不会留下孤立对象。
	points := make([]ann.Point, len(valid))
	blobs := make([][]byte, len(valid))
	contentTypes := make([]string, len(valid))
	for n, i := range valid {
		c := chunks[i]
		data, err := npy.Encode(c.Embedding.MultiVector)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w: %w", c.ChunkID(), ErrInvalidEmbedding, err)
		}
		blobs[n] = data
		contentKey, contentType := s.contentObject(apps[c.DocumentID], c)
		contentTypes[n] = contentType
		points[n] = ann.Point{
			ChunkID:        c.ChunkID(),
			DocumentID:     c.DocumentID,
			ChunkNumber:    c.ChunkNumber,
			Vector:         sketches[n],
			ContentKey:     contentKey,
			Metadata:       metas[n],
			Bucket:         s.cfg.MultiVectorBucket,
			MultiVectorKey: storage.MultiVectorKey(c.DocumentID, c.ChunkNumber),
		}
	}

	// upload
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storageConcurrency)
	for n, i := range valid {
		c, p, data, contentType := chunks[i], points[n], blobs[n], contentTypes[n]
		g.Go(func() error {
			return s.objects.Upload(gctx, s.cfg.ContentBucket, p.ContentKey, []byte(c.Content), contentType)
		})
		g.Go(func() error {
			return s.objects.Upload(gctx, s.cfg.MultiVectorBucket, p.MultiVectorKey, data, "application/octet-stream")
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("persist chunk objects: %w", err)
	}

	if err := s.index.Upsert(ctx, points); err != nil {
		log.Errorf("[FastStore] 索引写入失败, points: %d, error: %v", len(points), err)
		return nil, err
	}
	for _, i := range valid {
		result.Items[i].Status = model.ItemStored
	}
	result.Success = true
	log.Infof("[FastStore] 写入完成, stored: %d, skipped: %d", len(valid), len(chunks)-len(valid))
	return result, nil
}

type candidate struct {
	hit   ann.Hit
	score float64
	ok    bool
}

// QuerySimilar 两阶段检索：FDE 召回 min(10k, MaxCandidates) 个候选，下载多向量做精确 MaxSim 重排。
// 候选多向量下载失败时该候选被排除，不影响整体结果。
func (s *FastStore) QuerySimilar(ctx context.Context, query model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error) {
	if k <= 0 || emptyFilter(docIDs) {
		return []model.DocumentChunk{}, nil
	}
	if !query.IsMultiVector() {
		return nil, fmt.Errorf("%w: fast store requires a multi-vector query", ErrInvalidEmbedding)
	}

	// ann
	sketch, err := s.encoder.EncodeQuery(query.MultiVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEmbedding, err)
	}
	limit := min(annQueryCap*k, s.cfg.MaxCandidates)
	hits, err := s.index.Search(ctx, sketch, docIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("ann search: %w", err)
	}
	if len(hits) == 0 {
		return []model.DocumentChunk{}, nil
	}

	// rerank-download
	cands := make([]candidate, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hits {
		cands[i].hit = h
		g.Go(func() error {
			data, err := s.objects.Download(gctx, h.Bucket, h.MultiVectorKey)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnf("[FastStore] 下载候选多向量失败，排除该候选, chunk: %s, error: %v", h.ChunkID, err)
				return nil
			}
			mv, err := npy.Decode(data)
			if err != nil {
				log.Warnf("[FastStore] 候选多向量解析失败，排除该候选, chunk: %s, error: %v", h.ChunkID, err)
				return nil
			}
			cands[i].score = maxsim.Score(query.MultiVector, mv)
			cands[i].ok = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scored := cands[:0]
	for _, c := range cands {
		if c.ok {
			scored = append(scored, c)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].hit.DocumentID != scored[j].hit.DocumentID {
			return scored[i].hit.DocumentID < scored[j].hit.DocumentID
		}
		return scored[i].hit.ChunkNumber < scored[j].hit.ChunkNumber
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	// hydrate
	points := make([]ann.Point, len(scored))
	for i, c := range scored {
		points[i] = c.hit.Point
	}
	chunks, err := s.hydrate(ctx, points)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Score = scored[i].score
	}
	return dropEmpty(chunks), nil
}

// hydrate 并发下载内容，返回与 points 等长的结果；下载失败的位置 DocumentID 为空。
func (s *FastStore) hydrate(ctx context.Context, points []ann.Point) ([]model.DocumentChunk, error) {
	out := make([]model.DocumentChunk, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storageConcurrency)
	for i, p := range points {
		g.Go(func() error {
			data, err := s.objects.Download(gctx, s.cfg.ContentBucket, p.ContentKey)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnf("[FastStore] 下载分块内容失败, chunk: %s, key: %s, error: %v", p.ChunkID, p.ContentKey, err)
				return nil
			}
			out[i] = model.DocumentChunk{
				DocumentID:  p.DocumentID,
				ChunkNumber: p.ChunkNumber,
				Content:     string(data),
				Metadata:    decodeMetadata("FastStore", p.ChunkID, p.Metadata),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func dropEmpty(chunks []model.DocumentChunk) []model.DocumentChunk {
	out := chunks[:0]
	for _, c := range chunks {
		if c.DocumentID != "" {
			out = append(out, c)
		}
	}
	return out
}

// GetChunksByID 按合成 ID 点查索引，只为命中的分块补全内容，结果顺序与请求一致。
func (s *FastStore) GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	if len(ids) == 0 {
		return []model.DocumentChunk{}, nil
	}
	chunkIDs := make([]string, len(ids))
	for i, id := range ids {
		chunkIDs[i] = id.String()
	}
	found, err := s.index.Get(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("ann get: %w", err)
	}
	byID := make(map[string]ann.Point, len(found))
	for _, p := range found {
		byID[p.ChunkID] = p
	}
	points := make([]ann.Point, 0, len(found))
	for _, id := range chunkIDs {
		if p, ok := byID[id]; ok {
			points = append(points, p)
			delete(byID, id)
		}
	}
	chunks, err := s.hydrate(ctx, points)
	if err != nil {
		return nil, err
	}
	return dropEmpty(chunks), nil
}

// DeleteChunksByDocumentID 先按 document_id 删除索引行，再尽力清理对象存储中的内容与多向量。
// 对象清理失败只记录日志。
func (s *FastStore) DeleteChunksByDocumentID(ctx context.Context, documentID string) error {
	if err := s.index.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("ann delete: %w", err)
	}

	appID := s.appID(ctx, documentID)
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, target := range []struct{ bucket, prefix string }{
		{s.cfg.ContentBucket, storage.DocumentContentPrefix(appID, documentID)},
		{s.cfg.MultiVectorBucket, storage.DocumentMultiVectorPrefix(documentID)},
	} {
		g.Go(func() error {
			n, err := s.objects.DeletePrefix(ctx, target.bucket, target.prefix)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			log.Debugf("[FastStore] 清理对象, bucket: %s, prefix: %s, count: %d", target.bucket, target.prefix, n)
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		log.Warnf("[FastStore] 清理文档对象失败, document_id: %s, error: %v", documentID, err)
	}
	log.Infof("[FastStore] 删除文档分块, document_id: %s", documentID)
	return nil
}
