package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"morphik-go/internal/config"
	"morphik-go/pkg/log"
)

// OpenPostgres 创建关系型多向量存储使用的连接池。
// 连接池大小受 MaxConns 限制，连接用完即归还。
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析 Postgres DSN 失败: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Postgres 连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
	}
	log.Infof("Postgres pool connected, max_conns: %d", poolCfg.MaxConns)
	return pool, nil
}
