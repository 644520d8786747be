package vectorstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"morphik-go/internal/model"
	"morphik-go/pkg/log"
)

// DualStore 在迁移期包装两个存储：slow 是权威存储，fast 是正在预热的新存储。
// 开启双写时写入与删除同时作用于两者，读取始终只走 slow；fast 的失败只记录日志。
// 关闭双写时完全透传到 slow。
type DualStore struct {
	slow    VectorStore
	fast    VectorStore
	enabled bool
}

// NewDualStore 创建双写包装。
func NewDualStore(slow, fast VectorStore, enableDualIngestion bool) *DualStore {
	return &DualStore{slow: slow, fast: fast, enabled: enableDualIngestion && fast != nil}
}

// Initialize 初始化两个存储，fast 初始化失败只记录日志。
func (d *DualStore) Initialize(ctx context.Context) error {
	if err := d.slow.Initialize(ctx); err != nil {
		return err
	}
	if !d.enabled {
		return nil
	}
	if err := d.fast.Initialize(ctx); err != nil {
		log.Errorf("[DualStore] fast 存储初始化失败，双写期间将持续失败: %v", err)
	}
	return nil
}

// StoreEmbeddings 并发写入两个存储，返回 slow 的结果。
func (d *DualStore) StoreEmbeddings(ctx context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	if !d.enabled {
		return d.slow.StoreEmbeddings(ctx, chunks)
	}

	var (
		slowRes *model.StoreResult
		slowErr error
		fastRes *model.StoreResult
		fastErr error
	)
	// 两个写入互不取消，各自记录结果
	var g errgroup.Group
	g.Go(func() error {
		slowRes, slowErr = d.slow.StoreEmbeddings(ctx, chunks)
		return nil
	})
	g.Go(func() error {
		fastRes, fastErr = d.fast.StoreEmbeddings(ctx, chunks)
		return nil
	})
	_ = g.Wait()

	if fastErr != nil {
		log.Errorf("[DualStore] fast 存储写入失败（不影响结果）, chunks: %d, error: %v", len(chunks), fastErr)
	} else if fastRes != nil && !fastRes.Success {
		log.Warnf("[DualStore] fast 存储部分写入失败, stored: %d/%d", fastRes.Count(model.ItemStored), len(chunks))
	}
	if slowErr != nil {
		return nil, fmt.Errorf("authoritative store write: %w", slowErr)
	}
	return slowRes, nil
}

// QuerySimilar 只读 slow。
func (d *DualStore) QuerySimilar(ctx context.Context, query model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error) {
	return d.slow.QuerySimilar(ctx, query, k, docIDs)
}

// GetChunksByID 只读 slow。
func (d *DualStore) GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	return d.slow.GetChunksByID(ctx, ids)
}

// DeleteChunksByDocumentID 同时删除两个存储，以 slow 的结果为准。
func (d *DualStore) DeleteChunksByDocumentID(ctx context.Context, documentID string) error {
	if !d.enabled {
		return d.slow.DeleteChunksByDocumentID(ctx, documentID)
	}

	var slowErr, fastErr error
	var g errgroup.Group
	g.Go(func() error {
		slowErr = d.slow.DeleteChunksByDocumentID(ctx, documentID)
		return nil
	})
	g.Go(func() error {
		fastErr = d.fast.DeleteChunksByDocumentID(ctx, documentID)
		return nil
	})
	_ = g.Wait()

	if fastErr != nil {
		log.Errorf("[DualStore] fast 存储删除失败（不影响结果）, document_id: %s, error: %v", documentID, fastErr)
	}
	return slowErr
}
