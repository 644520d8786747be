package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"morphik-go/internal/config"
	"morphik-go/internal/model"
	"morphik-go/pkg/log"
	"morphik-go/pkg/quantize"
)

const relationalTable = "multi_vector_embeddings"

// DB defines the database capabilities required by the relational store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// maxSimFunction 在数据库端计算 Σ_q max_d (1 - hamming(d, q) / len(q))。
// quantize.MaxSim 是同一公式的 Go 实现，两者的分数必须一致。
const maxSimFunction = `
CREATE OR REPLACE FUNCTION max_sim(document bit[], query bit[]) RETURNS double precision AS $$
    WITH queries AS (
        SELECT row_number() OVER () AS query_number, q AS query
        FROM unnest(query) AS q
    ),
    documents AS (
        SELECT unnest(document) AS document
    ),
    similarities AS (
        SELECT
            query_number,
            1.0 - (bit_count(document # queries.query)::float / greatest(bit_length(queries.query), 1)::float) AS similarity
        FROM queries CROSS JOIN documents
    ),
    max_similarities AS (
        SELECT MAX(similarity) AS max_similarity FROM similarities GROUP BY query_number
    )
    SELECT COALESCE(SUM(max_similarity), 0.0) FROM max_similarities
$$ LANGUAGE SQL IMMUTABLE`

// RelationalStore 把二值量化后的多向量存放在 Postgres 的 BIT(n)[] 列中，
// 由 SQL 函数 max_sim 完成后期交互打分。
type RelationalStore struct {
	db          DB
	dimension   int
	retry       retryPolicy
	initialized atomic.Bool
}

// NewRelationalStore 创建关系型多向量存储。dimension 为每个向量的位数。
func NewRelationalStore(db DB, dimension int, cfg config.PostgresConfig) *RelationalStore {
	return &RelationalStore{
		db:        db,
		dimension: dimension,
		retry:     retryPolicy{attempts: cfg.RetryAttempts, backoff: cfg.RetryBackoff},
	}
}

func (s *RelationalStore) bitType() string {
	return fmt.Sprintf("bit(%d)[]", s.dimension)
}

// Initialize 幂等地建表、补列、建索引并安装 max_sim 函数。
// (document_id, chunk_number) 唯一索引是 upsert 的前提，失败即返回错误；
// 普通索引失败不影响使用，只记录日志。
func (s *RelationalStore) Initialize(ctx context.Context) error {
	steps := []struct {
		name  string
		sql   string
		fatal bool
	}{
		{"create table", fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    document_id TEXT NOT NULL,
    chunk_number INTEGER NOT NULL,
    content TEXT NOT NULL,
    chunk_metadata TEXT,
    embeddings %s
)`, relationalTable, strings.ToUpper(s.bitType())), true},
		{"add chunk_metadata", fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS chunk_metadata TEXT`, relationalTable), true},
		{"add embeddings", fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS embeddings %s`, relationalTable, strings.ToUpper(s.bitType())), true},
		{"create unique index", fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_doc_chunk ON %s (document_id, chunk_number)`, relationalTable, relationalTable), true},
		{"create index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_document_id ON %s (document_id)`, relationalTable, relationalTable), false},
		{"install max_sim", maxSimFunction, true},
	}

	for _, step := range steps {
		err := s.retry.do(ctx, "relational "+step.name, func(ctx context.Context) error {
			_, err := s.db.Exec(ctx, step.sql)
			return err
		})
		if err == nil {
			continue
		}
		if !step.fatal {
			log.Warnf("[RelationalStore] 初始化步骤 '%s' 失败，继续执行: %v", step.name, err)
			continue
		}
		log.Errorf("[RelationalStore] 初始化步骤 '%s' 失败: %v", step.name, err)
		return fmt.Errorf("relational store %s: %w", step.name, err)
	}

	s.initialized.Store(true)
	log.Infof("[RelationalStore] 初始化完成, table: %s, dimension: %d", relationalTable, s.dimension)
	return nil
}

type relationalRow struct {
	chunk    model.DocumentChunk
	bits     []string
	metadata string
}

// StoreEmbeddings 量化后在单个事务中逐行 upsert。缺少多向量的分块被跳过，形状非法的输入直接返回错误。
func (s *RelationalStore) StoreEmbeddings(ctx context.Context, chunks []model.DocumentChunk) (*model.StoreResult, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	result := &model.StoreResult{Items: make([]model.ItemResult, len(chunks))}
	rows := make([]*relationalRow, len(chunks))

	for i, c := range chunks {
		result.Items[i] = model.ItemResult{ChunkID: c.ChunkID()}
		if !c.Embedding.IsMultiVector() {
			log.Errorf("[RelationalStore] 分块缺少多向量，跳过, chunk: %s", c.ChunkID())
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "missing multi-vector embedding"
			continue
		}
		bvs, err := quantize.Quantize(c.Embedding.MultiVector)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w: %w", c.ChunkID(), ErrInvalidEmbedding, err)
		}
		if bvs[0].Len() != s.dimension {
			return nil, fmt.Errorf("chunk %s: %w: dimension %d, want %d", c.ChunkID(), ErrInvalidEmbedding, bvs[0].Len(), s.dimension)
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			log.Errorf("[RelationalStore] 分块元数据无法编码，跳过, chunk: %s, error: %v", c.ChunkID(), err)
			result.Items[i].Status = model.ItemSkipped
			result.Items[i].Reason = "metadata not serializable"
			continue
		}
		rows[i] = &relationalRow{chunk: c, bits: quantize.Strings(bvs), metadata: meta}
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (document_id, chunk_number, content, chunk_metadata, embeddings)
VALUES ($1, $2, $3, $4, $5::text[]::%s)
ON CONFLICT (document_id, chunk_number) DO UPDATE SET
    content = EXCLUDED.content,
    chunk_metadata = EXCLUDED.chunk_metadata,
    embeddings = EXCLUDED.embeddings`, relationalTable, s.bitType())

	// 整批在一个事务里写入；upsert 保证重试整个事务不会产生重复行。
	err := s.retry.do(ctx, "relational upsert", func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row == nil {
				continue
			}
			if _, err := tx.Exec(ctx, upsert, row.chunk.DocumentID, row.chunk.ChunkNumber, row.chunk.Content, row.metadata, row.bits); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("chunk %s: %w", row.chunk.ChunkID(), err)
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("store embeddings: %w", err)
	}
	for i, row := range rows {
		if row != nil {
			result.Items[i].Status = model.ItemStored
		}
	}

	result.Success = true
	log.Infof("[RelationalStore] 写入完成, stored: %d, skipped: %d", result.Count(model.ItemStored), result.Count(model.ItemSkipped))
	return result, nil
}

// QuerySimilar 量化查询多向量，在数据库端按 max_sim 排序取前 k 个。
func (s *RelationalStore) QuerySimilar(ctx context.Context, query model.Embedding, k int, docIDs []string) ([]model.DocumentChunk, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if k <= 0 || emptyFilter(docIDs) {
		return []model.DocumentChunk{}, nil
	}
	if !query.IsMultiVector() {
		return nil, fmt.Errorf("%w: relational store requires a multi-vector query", ErrInvalidEmbedding)
	}
	bvs, err := quantize.Quantize(query.MultiVector)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEmbedding, err)
	}

	args := []any{quantize.Strings(bvs)}
	where := ""
	if docIDs != nil {
		args = append(args, docIDs)
		where = "WHERE document_id = ANY($2)"
	}
	args = append(args, k)
	sql := fmt.Sprintf(`SELECT document_id, chunk_number, content, COALESCE(chunk_metadata, ''),
    max_sim(embeddings, $1::text[]::%s) AS similarity
FROM %s
%s
ORDER BY similarity DESC, document_id, chunk_number
LIMIT $%d`, s.bitType(), relationalTable, where, len(args))

	var out []model.DocumentChunk
	err = s.retry.do(ctx, "relational query", func(ctx context.Context) error {
		var qErr error
		out, qErr = s.collect(ctx, true, sql, args...)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetChunksByID 用一条查询批量取回分块，Score 为 0。
func (s *RelationalStore) GetChunksByID(ctx context.Context, ids []model.ChunkIdentifier) ([]model.DocumentChunk, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if len(ids) == 0 {
		return []model.DocumentChunk{}, nil
	}
	docIDs := make([]string, len(ids))
	numbers := make([]int32, len(ids))
	for i, id := range ids {
		docIDs[i] = id.DocumentID
		numbers[i] = int32(id.ChunkNumber)
	}
	sql := fmt.Sprintf(`SELECT document_id, chunk_number, content, COALESCE(chunk_metadata, '')
FROM %s
WHERE (document_id, chunk_number) IN (SELECT * FROM unnest($1::text[], $2::int[]))
ORDER BY document_id, chunk_number`, relationalTable)

	var out []model.DocumentChunk
	err := s.retry.do(ctx, "relational get", func(ctx context.Context) error {
		var qErr error
		out, qErr = s.collect(ctx, false, sql, docIDs, numbers)
		return qErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteChunksByDocumentID 删除文档的全部分块。
func (s *RelationalStore) DeleteChunksByDocumentID(ctx context.Context, documentID string) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, relationalTable)
	var deleted int64
	err := s.retry.do(ctx, "relational delete", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, sql, documentID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("[RelationalStore] 删除文档分块, document_id: %s, rows: %d", documentID, deleted)
	return nil
}

func (s *RelationalStore) collect(ctx context.Context, withScore bool, sql string, args ...any) ([]model.DocumentChunk, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.DocumentChunk{}
	for rows.Next() {
		var (
			c    model.DocumentChunk
			meta string
		)
		dest := []any{&c.DocumentID, &c.ChunkNumber, &c.Content, &meta}
		if withScore {
			dest = append(dest, &c.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", relationalTable, err)
		}
		c.Metadata = decodeMetadata("RelationalStore", c.ChunkID(), meta)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", relationalTable, err)
	}
	return out, nil
}
