package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"morphik-go/pkg/log"
)

// transientMarkers 是连接类瞬时错误的特征子串。
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"conn closed",
	"server closed the connection",
	"failed to connect",
	"too many clients",
	"too many connections",
	"connection pool exhausted",
	"unexpected eof",
	"i/o timeout",
}

// isTransient 判断错误是否值得重试。上下文取消不重试。
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx: connection exception; 53300: too_many_connections; 57P01: admin_shutdown
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "53300" || pgErr.Code == "57P01"
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryPolicy 以固定间隔重试瞬时错误，次数有上限。
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

func (p retryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if i == attempts {
			break
		}
		log.Warnf("[VectorStore] %s 遇到瞬时错误, 第 %d/%d 次重试, error: %v", op, i, attempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff):
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
