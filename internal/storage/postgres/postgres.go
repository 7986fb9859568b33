package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/storage"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// PoolOption adjusts the pool configuration before connecting.
type PoolOption func(*pgxpool.Config)

// WithMaxConns sets the maximum pool size.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithMaxConnLifetime sets how long a connection may be reused.
func WithMaxConnLifetime(d time.Duration) PoolOption {
	return func(c *pgxpool.Config) {
		if d > 0 {
			c.MaxConnLifetime = d
		}
	}
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string, opts ...PoolOption) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	for _, opt := range opts {
		opt(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
	pgErrCheckViolation  = "23514" // check_violation
	pgErrNotNull         = "23502" // not_null_violation
)

// pgErrorCode returns the SQLSTATE of err, or "".
func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	return err != nil && pgErrorCode(err) == pgErrUniqueViolation
}

// isConstraintError checks if error is a check or not-null violation.
func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	code := pgErrorCode(err)
	return code == pgErrCheckViolation || code == pgErrNotNull
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// observe records query latency. Lookups that find nothing are not errors.
func observe(operation string, start time.Time, err *error) {
	var qerr error
	if err != nil && *err != nil && !errors.Is(*err, storage.ErrNotFound) {
		qerr = *err
	}
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), qerr)
}
