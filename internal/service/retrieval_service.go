package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"morphik-go/internal/config"
	"morphik-go/internal/model"
	"morphik-go/internal/repository"
	"morphik-go/internal/vectorstore"
	"morphik-go/pkg/embedding"
	"morphik-go/pkg/log"
	"morphik-go/pkg/storage"
)

// ErrRetrievalFailed 包装检索过程中的基础设施错误，调用方只看到通用的失败信息。
var ErrRetrievalFailed = errors.New("retrieval failed")

const (
	rerankOverFetch = 10
	downloadURLTTL  = time.Hour
)

// RetrievalService 接口定义了分块检索操作。
type RetrievalService interface {
	RetrieveChunks(ctx context.Context, req model.RetrieveRequest, auth model.AuthContext) ([]model.ChunkResult, error)
	RetrieveChunksGrouped(ctx context.Context, req model.RetrieveRequest, auth model.AuthContext) (*model.GroupedChunkResponse, error)
}

// RetrievalDeps 汇总检索服务的依赖。MultiVector 与 MultiEmbedder 可以为 nil，此时 use_colpali 被忽略。
type RetrievalDeps struct {
	Dense         vectorstore.VectorStore
	MultiVector   vectorstore.VectorStore
	Embedder      embedding.Client
	MultiEmbedder embedding.MultiVectorClient
	Documents     repository.DocumentRepository
	Objects       storage.ObjectStore
	Fusion        *FusionEngine
}

type retrievalService struct {
	deps     RetrievalDeps
	defaults config.RetrievalConfig
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(deps RetrievalDeps, defaults config.RetrievalConfig) RetrievalService {
	if deps.Fusion == nil {
		deps.Fusion = NewFusionEngine(nil)
	}
	if defaults.DefaultK <= 0 {
		defaults.DefaultK = 4
	}
	return &retrievalService{deps: deps, defaults: defaults}
}

// retrieval 是一次检索的中间结果，平铺接口与分组接口共用。
type retrieval struct {
	chunks  []paddedChunk
	padding int
}

// RetrieveChunks 返回融合（以及可选 padding）后的平铺分块列表。
func (s *retrievalService) RetrieveChunks(ctx context.Context, req model.RetrieveRequest, auth model.AuthContext) ([]model.ChunkResult, error) {
	r, err := s.retrieve(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	return s.toResults(ctx, r.chunks), nil
}

// RetrieveChunksGrouped 在平铺结果之外，按主分块把 padding 分块分组。
func (s *retrievalService) RetrieveChunksGrouped(ctx context.Context, req model.RetrieveRequest, auth model.AuthContext) (*model.GroupedChunkResponse, error) {
	r, err := s.retrieve(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	results := s.toResults(ctx, r.chunks)
	hasPadding := false
	for _, res := range results {
		if res.IsPadding {
			hasPadding = true
			break
		}
	}
	return &model.GroupedChunkResponse{
		Chunks:     results,
		Groups:     groupChunks(results, r.padding),
		HasPadding: hasPadding,
	}, nil
}

func (s *retrievalService) retrieve(ctx context.Context, req model.RetrieveRequest, auth model.AuthContext) (*retrieval, error) {
	k := req.K
	if k <= 0 {
		k = s.defaults.DefaultK
	}
	// 负数表示使用服务端默认值
	padding := req.Padding
	if padding < 0 {
		padding = s.defaults.DefaultPadding
	}
	useColPali := req.UseColPali
	if useColPali && (s.deps.MultiVector == nil || s.deps.MultiEmbedder == nil) {
		log.Warnf("[RetrievalService] 未配置多向量存储, 忽略 use_colpali")
		useColPali = false
	}
	log.Infof("[RetrievalService] 开始检索, query: '%s', k: %d, rerank: %t, colpali: %t, padding: %d",
		req.Query, k, req.UseReranking, useColPali, padding)

	// 阶段一：查询向量化与权限过滤并发执行
	var (
		denseQuery []float32
		multiQuery [][]float32
		docIDs     []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.deps.Embedder.CreateEmbedding(gctx, req.Query)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		denseQuery = v
		return nil
	})
	if useColPali {
		g.Go(func() error {
			mv, err := s.deps.MultiEmbedder.EmbedQuery(gctx, req.Query)
			if err != nil {
				return fmt.Errorf("embed multi-vector query: %w", err)
			}
			multiQuery = mv
			return nil
		})
	}
	g.Go(func() error {
		ids, err := s.deps.Documents.FindAuthorizedIDs(gctx, auth, req.DocumentIDs)
		if err != nil {
			return fmt.Errorf("find authorized documents: %w", err)
		}
		docIDs = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Errorf("[RetrievalService] 查询准备阶段失败: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	if len(docIDs) == 0 {
		log.Infof("[RetrievalService] 调用方没有可访问的文档, entity: %s, app: %s", auth.EntityID, auth.AppID)
		return &retrieval{chunks: []paddedChunk{}, padding: padding}, nil
	}

	// 阶段二：稠密检索与多向量检索并发执行
	denseK := k
	if req.UseReranking && !useColPali {
		denseK = k * rerankOverFetch
	}
	var dense, multi []model.DocumentChunk
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		chunks, err := s.deps.Dense.QuerySimilar(gctx, model.DenseEmbedding(denseQuery), denseK, docIDs)
		if err != nil {
			return fmt.Errorf("query dense store: %w", err)
		}
		dense = chunks
		return nil
	})
	if useColPali {
		g.Go(func() error {
			chunks, err := s.deps.MultiVector.QuerySimilar(gctx, model.MultiVectorEmbedding(multiQuery), k, docIDs)
			if err != nil {
				return fmt.Errorf("query multi-vector store: %w", err)
			}
			multi = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("[RetrievalService] 向量检索阶段失败: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	dense = filterMinScore(dense, req.MinScore)
	log.Infof("[RetrievalService] 稠密结果 %d 个, 多向量结果 %d 个", len(dense), len(multi))

	// 阶段三：融合
	fused, err := s.deps.Fusion.Fuse(ctx, req.Query, dense, multi, k, req.UseReranking, useColPali)
	if err != nil {
		log.Errorf("[RetrievalService] 结果融合失败: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}

	// 阶段四：padding 仅针对多向量的图片检索
	if padding > 0 && useColPali {
		padded, err := padImageChunks(ctx, s.deps.MultiVector, fused, padding)
		if err != nil {
			log.Errorf("[RetrievalService] padding 失败: %v", err)
			return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
		}
		return &retrieval{chunks: padded, padding: padding}, nil
	}

	out := make([]paddedChunk, len(fused))
	for i, c := range fused {
		out[i] = paddedChunk{DocumentChunk: c}
	}
	return &retrieval{chunks: out, padding: padding}, nil
}

func filterMinScore(chunks []model.DocumentChunk, minScore float64) []model.DocumentChunk {
	if minScore <= 0 {
		return chunks
	}
	out := chunks[:0:0]
	for _, c := range chunks {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	return out
}

// toResults 附加文档级信息。文档元数据查询失败只影响附加字段，不影响检索结果。
func (s *retrievalService) toResults(ctx context.Context, chunks []paddedChunk) []model.ChunkResult {
	results := make([]model.ChunkResult, 0, len(chunks))
	if len(chunks) == 0 {
		return results
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, c := range chunks {
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			ids = append(ids, c.DocumentID)
		}
	}
	docs := make(map[string]model.Document, len(ids))
	found, err := s.deps.Documents.FindByIDs(ctx, ids)
	if err != nil {
		log.Warnf("[RetrievalService] 查询文档元数据失败: %v", err)
	}
	for _, d := range found {
		docs[d.ExternalID] = d
	}

	urls := make(map[string]string, len(docs))
	for id, d := range docs {
		if s.deps.Objects == nil || d.StorageKey == "" {
			continue
		}
		u, err := s.deps.Objects.PresignedURL(ctx, d.StorageBucket, d.StorageKey, downloadURLTTL)
		if err != nil {
			log.Warnf("[RetrievalService] 生成下载链接失败, document_id: %s, error: %v", id, err)
			continue
		}
		urls[id] = u
	}

	for _, c := range chunks {
		d := docs[c.DocumentID]
		contentType := d.ContentType
		if c.IsImage() {
			if ext, mime := storage.DetectImage(c.Content); ext != ".bin" {
				contentType = mime
			}
		}
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		results = append(results, model.ChunkResult{
			Content:     c.Content,
			Score:       c.Score,
			DocumentID:  c.DocumentID,
			ChunkNumber: c.ChunkNumber,
			Metadata:    metadata,
			ContentType: contentType,
			Filename:    d.Filename,
			DownloadURL: urls[c.DocumentID],
			IsPadding:   c.isPadding,
		})
	}
	return results
}
