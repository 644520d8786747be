package vectorstore

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/config"
	"morphik-go/internal/model"
	"morphik-go/pkg/quantize"
)

// 需要真实 Postgres (14+)，整个过程在一个回滚的事务里完成。
func TestRelationalMaxSimMatchesQuantizeMaxSim(t *testing.T) {
	dsn := os.Getenv("MORPHIK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MORPHIK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	store := NewRelationalStore(tx, 8, config.PostgresConfig{RetryAttempts: 1})
	require.NoError(t, store.Initialize(ctx))

	docs := map[string][][]float32{
		"maxsim-a": {{1, -1, 1, -1, 1, -1, 1, -1}, {-1, -1, 1, 1, -1, -1, 1, 1}},
		"maxsim-b": {{1, 1, 1, 1, -1, -1, -1, -1}},
		"maxsim-c": {{-1, 1, -1, 1, -1, 1, -1, 1}, {1, 1, -1, -1, 1, 1, -1, -1}, {1, 1, 1, 1, 1, 1, 1, 1}},
	}
	var chunks []model.DocumentChunk
	var ids []string
	for id, mv := range docs {
		chunks = append(chunks, multiVectorChunk(id, 0, id, mv))
		ids = append(ids, id)
	}
	_, err = store.StoreEmbeddings(ctx, chunks)
	require.NoError(t, err)
	// 再写一次同样的分块，upsert 不应产生重复行。
	_, err = store.StoreEmbeddings(ctx, chunks)
	require.NoError(t, err)

	query := [][]float32{{1, -1, 1, -1, 1, 1, 1, -1}, {1, 1, 1, -1, -1, -1, -1, -1}}
	qbits, err := quantize.Quantize(query)
	require.NoError(t, err)

	got, err := store.QuerySimilar(ctx, model.MultiVectorEmbedding(query), 10, ids)
	require.NoError(t, err)
	require.Len(t, got, len(docs))
	for i, c := range got {
		dbits, err := quantize.Quantize(docs[c.DocumentID])
		require.NoError(t, err)
		assert.InDelta(t, quantize.MaxSim(dbits, qbits), c.Score, 1e-9, c.DocumentID)
		if i > 0 {
			assert.LessOrEqual(t, c.Score, got[i-1].Score)
		}
	}
}
