package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/internal/model"
)

func ids(chunks []model.DocumentChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ChunkID()
	}
	return out
}

func TestFuseFourCases(t *testing.T) {
	ctx := context.Background()
	dense := []model.DocumentChunk{textChunk("d1", 0, "a", 0.9), textChunk("d1", 1, "bbb", 0.8), textChunk("d2", 0, "cc", 0.7)}
	multi := []model.DocumentChunk{imageChunk("d3", 2, 12.5), imageChunk("d3", 0, 10)}

	reranker := &scoreByLength{}
	engine := NewFusionEngine(reranker)

	out, err := engine.Fuse(ctx, "q", dense, nil, 2, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-0", "d1-1", "d2-0"}, ids(out))

	out, err = engine.Fuse(ctx, "q", dense, multi, 2, false, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"d3-2", "d3-0", "d1-0", "d1-1", "d2-0"}, ids(out))
	assert.Equal(t, 0.9, out[2].Score)

	out, err = engine.Fuse(ctx, "q", dense, nil, 2, true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1-1", "d2-0"}, ids(out))
	assert.Equal(t, 3.0, out[0].Score)
	assert.Equal(t, 1, reranker.calls)

	out, err = engine.Fuse(ctx, "q", dense, multi, 2, true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"d3-2", "d3-0", "d1-0", "d1-1", "d2-0"}, ids(out))
	assert.Equal(t, 1, reranker.calls, "multi-vector fusion never calls the text reranker")
}

func TestFuseShortCircuitsEmptySide(t *testing.T) {
	ctx := context.Background()
	engine := NewFusionEngine(&scoreByLength{})
	dense := []model.DocumentChunk{textChunk("d1", 0, "a", 0.5)}
	multi := []model.DocumentChunk{imageChunk("d2", 0, 3)}

	out, err := engine.Fuse(ctx, "q", dense, []model.DocumentChunk{}, 4, true, true)
	require.NoError(t, err)
	assert.Equal(t, dense, out)

	out, err = engine.Fuse(ctx, "q", nil, multi, 4, false, true)
	require.NoError(t, err)
	assert.Equal(t, multi, out)

	out, err = engine.Fuse(ctx, "q", nil, nil, 4, true, false)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFuseIsDeterministic(t *testing.T) {
	ctx := context.Background()
	engine := NewFusionEngine(&scoreByLength{})
	dense := []model.DocumentChunk{textChunk("b", 0, "xx", 0.5), textChunk("a", 1, "yy", 0.4), textChunk("a", 0, "zz", 0.3)}

	first, err := engine.Fuse(ctx, "q", dense, nil, 3, true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-0", "a-1", "b-0"}, ids(first))
	for i := 0; i < 5; i++ {
		again, err := engine.Fuse(ctx, "q", dense, nil, 3, true, false)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFuseRerankErrors(t *testing.T) {
	engine := NewFusionEngine(failingReranker{})
	_, err := engine.Fuse(context.Background(), "q", []model.DocumentChunk{textChunk("d", 0, "a", 1)}, nil, 1, true, false)
	assert.ErrorContains(t, err, "rerank down")
}

func TestFuseWithoutRerankerTruncates(t *testing.T) {
	engine := NewFusionEngine(nil)
	dense := []model.DocumentChunk{textChunk("d", 0, "a", 1), textChunk("d", 1, "b", 0.5)}
	out, err := engine.Fuse(context.Background(), "q", dense, nil, 1, true, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-0"}, ids(out))
}
