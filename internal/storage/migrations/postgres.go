package migrations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"recommendation-tracker/internal/storage/postgres"
)

const createSchemaMigrations = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// RunPostgresMigrations applies embedded SQL files not yet recorded in
// schema_migrations, each in its own transaction.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := loadFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, createSchemaMigrations); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, f := range files {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, f.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f.Version, err)
		}
		if applied {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", f.Version, err)
		}
		if _, err := tx.Exec(ctx, f.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", f.Version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, f.Version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", f.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", f.Version, err)
		}

		logger.Info("applied postgres migration", zap.String("version", f.Version))
	}

	return nil
}
