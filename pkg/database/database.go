package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config содержит настройки пула подключений к PostgreSQL.
type Config struct {
	DSN             string
	MaxConns        int
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Connect создает пул соединений и проверяет его ping'ом.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database (ping failed): %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.Int32("maxConns", poolConfig.MaxConns),
		zap.Duration("maxConnIdleTime", poolConfig.MaxConnIdleTime),
	)
	return pool, nil
}
