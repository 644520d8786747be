// Package storage 提供对象存储抽象，支持本地文件系统与 S3 兼容（MinIO）两种实现。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"morphik-go/internal/config"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore 是对象存储的最小接口，所有实现都可被并发调用。
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	// DeletePrefix 删除 bucket 下所有以 prefix 开头的对象，返回删除数量。
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
	PresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// New 根据配置选择存储提供方，并确保所需的 bucket 存在。
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)
	switch cfg.Provider {
	case config.StorageProviderLocal:
		store = NewLocalStore(afero.NewBasePathFs(afero.NewOsFs(), cfg.LocalPath), cfg.LocalPath)
	case config.StorageProviderMinIO:
		store, err = NewMinIOStore(cfg.MinIO)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("不支持的存储提供方: %q", cfg.Provider)
	}

	for _, bucket := range []string{cfg.Bucket, cfg.MultiVectorBucket} {
		if bucket == "" {
			continue
		}
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return store, nil
}
