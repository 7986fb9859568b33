package memory

import (
	"context"
	"sort"
	"sync"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.MonitoringSnapshot // keyed by recommendation id
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		data: make(map[string][]*domain.MonitoringSnapshot),
	}
}

// Append adds a monitoring snapshot.
func (s *SnapshotStore) Append(_ context.Context, snap *domain.MonitoringSnapshot) error {
	if snap == nil || snap.RecommendationID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	c.Context = snap.Context.Clone()
	s.data[snap.RecommendationID] = append(s.data[snap.RecommendationID], &c)
	return nil
}

// GetByRecommendationID retrieves all snapshots of a recommendation, ordered by timestamp ASC.
func (s *SnapshotStore) GetByRecommendationID(_ context.Context, recommendationID string) ([]*domain.MonitoringSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.data[recommendationID]
	result := make([]*domain.MonitoringSnapshot, 0, len(src))
	for _, snap := range src {
		c := *snap
		result = append(result, &c)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
