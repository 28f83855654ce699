package repository

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MigrationsFS встроенные SQL миграции схемы хранилища миров.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// MigrationsPath каталог миграций внутри MigrationsFS.
const MigrationsPath = "migrations"

// WithTransaction выполняет функцию в транзакции с автоматическим rollback при ошибке
func WithTransaction(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *zap.Logger,
	fn func(ctx context.Context, tx pgx.Tx) error,
) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				logger.Error("Failed to rollback transaction after panic",
					zap.Error(rollbackErr),
					zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			logger.Error("Failed to rollback transaction",
				zap.Error(rollbackErr),
				zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
