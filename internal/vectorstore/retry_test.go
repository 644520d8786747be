package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")))
	assert.True(t, isTransient(&pgconn.PgError{Code: "08006"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "53300"}))
	assert.False(t, isTransient(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isTransient(errors.New("syntax error at or near")))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(nil))
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("duplicate key")
	err := retryPolicy{attempts: 3}.do(context.Background(), "op", func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyExhaustsTransientErrors(t *testing.T) {
	calls := 0
	err := retryPolicy{attempts: 3}.do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyRecovers(t *testing.T) {
	calls := 0
	err := retryPolicy{attempts: 3}.do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("broken pipe")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
