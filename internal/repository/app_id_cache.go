package repository

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"morphik-go/pkg/log"
)

// AppIDCache 缓存 document_id -> app_id 的映射，未命中时回源到 DocumentRepository。
type AppIDCache struct {
	rdb  *redis.Client
	docs DocumentRepository
	ttl  time.Duration
}

// NewAppIDCache 创建缓存。ttl 非正数时使用一小时。
func NewAppIDCache(rdb *redis.Client, docs DocumentRepository, ttl time.Duration) *AppIDCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AppIDCache{rdb: rdb, docs: docs, ttl: ttl}
}

func appIDKey(documentID string) string {
	return "doc_app:" + documentID
}

// AppID 返回文档所属的 app_id。Redis 异常时直接回源，不影响结果。
func (c *AppIDCache) AppID(ctx context.Context, documentID string) (string, error) {
	key := appIDKey(documentID)
	appID, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		return appID, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Warnf("[AppIDCache] 读取缓存失败, document_id: %s, error: %v", documentID, err)
	}

	appID, err = c.docs.FindAppID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, key, appID, c.ttl).Err(); err != nil {
		log.Warnf("[AppIDCache] 写入缓存失败, document_id: %s, error: %v", documentID, err)
	}
	return appID, nil
}

// Invalidate 删除缓存项，文档删除后调用。
func (c *AppIDCache) Invalidate(ctx context.Context, documentID string) {
	if err := c.rdb.Del(ctx, appIDKey(documentID)).Err(); err != nil {
		log.Warnf("[AppIDCache] 删除缓存失败, document_id: %s, error: %v", documentID, err)
	}
}
