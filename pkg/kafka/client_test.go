package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morphik-go/pkg/tasks"
)

type stubProcessor struct {
	err   error
	calls int
}

func (s *stubProcessor) Process(_ context.Context, _ tasks.IngestionTask) error {
	s.calls++
	return s.err
}

func newCounter(t *testing.T) (*AttemptCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewAttemptCounter(rdb), mr
}

func TestHandleCommitsMalformedMessages(t *testing.T) {
	counter, _ := newCounter(t)
	proc := &stubProcessor{}
	c := &Consumer{processor: proc, attempts: counter}

	assert.True(t, c.handle(context.Background(), []byte("{not json")))
	assert.Zero(t, proc.calls)
}

func TestHandleRetriesUntilMaxAttempts(t *testing.T) {
	counter, mr := newCounter(t)
	proc := &stubProcessor{err: errors.New("boom")}
	c := &Consumer{processor: proc, attempts: counter}
	msg := []byte(`{"document_id":"doc1"}`)

	assert.False(t, c.handle(context.Background(), msg))
	assert.False(t, c.handle(context.Background(), msg))
	assert.True(t, c.handle(context.Background(), msg))

	v, err := mr.Get(attemptsKey("doc1"))
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestHandleSuccessResetsCounter(t *testing.T) {
	counter, mr := newCounter(t)
	proc := &stubProcessor{err: errors.New("boom")}
	c := &Consumer{processor: proc, attempts: counter}
	msg := []byte(`{"document_id":"doc1"}`)

	assert.False(t, c.handle(context.Background(), msg))
	proc.err = nil
	assert.True(t, c.handle(context.Background(), msg))
	assert.False(t, mr.Exists(attemptsKey("doc1")))
}
