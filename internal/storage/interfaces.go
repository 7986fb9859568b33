package storage

import (
	"context"
	"time"

	"recommendation-tracker/internal/domain"
)

// CountFilter narrows CountCreatedWithin. Empty fields match everything.
type CountFilter struct {
	Symbol    string
	Direction domain.Direction
}

// RecommendationStore provides access to recommendations storage.
type RecommendationStore interface {
	// Save inserts a new recommendation.
	// Returns ErrDuplicateKey if the id or fingerprint exists.
	Save(ctx context.Context, r *domain.Recommendation) error

	// Update overwrites the mutable fields of an existing recommendation.
	// Returns ErrNotFound if not exists, ErrConstraintViolation if the
	// schema rejects a value.
	Update(ctx context.Context, r *domain.Recommendation) error

	// GetByID retrieves a recommendation by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Recommendation, error)

	// GetActive retrieves all ACTIVE recommendations, ordered by created_at ASC.
	GetActive(ctx context.Context) ([]*domain.Recommendation, error)

	// GetLastBySymbolDirection retrieves the most recently created recommendation
	// for symbol+direction, optionally restricted to the given statuses.
	// Returns ErrNotFound if none match.
	GetLastBySymbolDirection(ctx context.Context, symbol string, direction domain.Direction, statuses ...domain.Status) (*domain.Recommendation, error)

	// GetLatest retrieves the most recently created recommendation of any symbol.
	// Returns ErrNotFound if the store is empty.
	GetLatest(ctx context.Context) (*domain.Recommendation, error)

	// CountCreatedWithin counts recommendations created at or after windowStart
	// and returns the oldest counted creation time (zero when count is 0).
	CountCreatedWithin(ctx context.Context, windowStart time.Time, filter CountFilter) (int, time.Time, error)
}

// SnapshotStore provides access to monitoring_snapshots storage.
type SnapshotStore interface {
	// Append adds a monitoring snapshot.
	Append(ctx context.Context, s *domain.MonitoringSnapshot) error

	// GetByRecommendationID retrieves all snapshots of a recommendation, ordered by timestamp ASC.
	GetByRecommendationID(ctx context.Context, recommendationID string) ([]*domain.MonitoringSnapshot, error)
}
