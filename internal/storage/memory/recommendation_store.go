package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/storage"
)

// RecommendationStore is an in-memory implementation of storage.RecommendationStore.
type RecommendationStore struct {
	mu           sync.RWMutex
	data         map[string]*domain.Recommendation // keyed by id
	fingerprints map[string]string                 // fingerprint -> id

	// rejectReasons, when set, makes Update fail with ErrConstraintViolation
	// for the listed exit reasons, like a schema with a narrower CHECK list.
	rejectReasons map[domain.ExitReason]struct{}
}

// NewRecommendationStore creates a new in-memory recommendation store.
func NewRecommendationStore() *RecommendationStore {
	return &RecommendationStore{
		data:         make(map[string]*domain.Recommendation),
		fingerprints: make(map[string]string),
	}
}

// RejectExitReasons makes subsequent updates carrying any of reasons fail
// with storage.ErrConstraintViolation.
func (s *RecommendationStore) RejectExitReasons(reasons ...domain.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejectReasons = make(map[domain.ExitReason]struct{}, len(reasons))
	for _, r := range reasons {
		s.rejectReasons[r] = struct{}{}
	}
}

// Save inserts a new recommendation. Returns ErrDuplicateKey if id or fingerprint exists.
func (s *RecommendationStore) Save(_ context.Context, r *domain.Recommendation) error {
	if r == nil || r.ID == "" || r.Fingerprint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.fingerprints[r.Fingerprint]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[r.ID] = r.Clone()
	s.fingerprints[r.Fingerprint] = r.ID
	return nil
}

// Update overwrites an existing recommendation. Returns ErrNotFound if not exists.
func (s *RecommendationStore) Update(_ context.Context, r *domain.Recommendation) error {
	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[r.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if _, rejected := s.rejectReasons[r.ExitReason]; rejected && r.ExitReason != "" {
		return storage.ErrConstraintViolation
	}

	c := r.Clone()
	c.Fingerprint = existing.Fingerprint
	s.data[r.ID] = c
	return nil
}

// GetByID retrieves a recommendation by its ID. Returns ErrNotFound if not exists.
func (s *RecommendationStore) GetByID(_ context.Context, id string) (*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// GetActive retrieves all ACTIVE recommendations, ordered by created_at ASC.
func (s *RecommendationStore) GetActive(_ context.Context) ([]*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Recommendation
	for _, r := range s.data {
		if r.Status == domain.StatusActive {
			result = append(result, r.Clone())
		}
	}

	sortByCreated(result)
	return result, nil
}

// GetLastBySymbolDirection retrieves the newest recommendation for symbol+direction.
func (s *RecommendationStore) GetLastBySymbolDirection(_ context.Context, symbol string, direction domain.Direction, statuses ...domain.Status) (*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *domain.Recommendation
	for _, r := range s.data {
		if r.Symbol != symbol || r.Direction != direction {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, r.Status) {
			continue
		}
		if last == nil || newer(r, last) {
			last = r
		}
	}

	if last == nil {
		return nil, storage.ErrNotFound
	}
	return last.Clone(), nil
}

// GetLatest retrieves the newest recommendation of any symbol.
func (s *RecommendationStore) GetLatest(_ context.Context) (*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *domain.Recommendation
	for _, r := range s.data {
		if last == nil || newer(r, last) {
			last = r
		}
	}

	if last == nil {
		return nil, storage.ErrNotFound
	}
	return last.Clone(), nil
}

// CountCreatedWithin counts recommendations created at or after windowStart.
func (s *RecommendationStore) CountCreatedWithin(_ context.Context, windowStart time.Time, filter storage.CountFilter) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var oldest time.Time
	for _, r := range s.data {
		if r.CreatedAt.Before(windowStart) {
			continue
		}
		if filter.Symbol != "" && r.Symbol != filter.Symbol {
			continue
		}
		if filter.Direction != "" && r.Direction != filter.Direction {
			continue
		}
		count++
		if oldest.IsZero() || r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
	}

	return count, oldest, nil
}

func newer(a, b *domain.Recommendation) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func sortByCreated(recs []*domain.Recommendation) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func containsStatus(statuses []domain.Status, s domain.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

var _ storage.RecommendationStore = (*RecommendationStore)(nil)
