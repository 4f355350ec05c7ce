package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// InMemoryEventStore provides in-memory storage for page views.
type InMemoryEventStore struct {
	mu    sync.RWMutex
	views map[string]*models.PageView

	// Append order, used for range scans
	order []string
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		views: make(map[string]*models.PageView),
	}
}

func (s *InMemoryEventStore) SavePageView(ctx context.Context, pv *models.PageView) error {
	if pv == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.views[pv.ID]; exists {
		return apperr.Conflict("page view %s already recorded", pv.ID)
	}

	cp := *pv
	s.views[pv.ID] = &cp
	s.order = append(s.order, pv.ID)
	return nil
}

func (s *InMemoryEventStore) UpdateTimeSpent(ctx context.Context, id string, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pv, ok := s.views[id]
	if !ok {
		return apperr.NotFound("page view", id)
	}
	pv.TimeSpentSeconds = seconds
	return nil
}

func (s *InMemoryEventStore) ListPageViews(ctx context.Context, from, to time.Time) ([]*models.PageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.PageView, 0)
	for _, id := range s.order {
		pv := s.views[id]
		if pv.OccurredAt.Before(from) || !pv.OccurredAt.Before(to) {
			continue
		}
		cp := *pv
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// GetPageView returns a copy of a stored event.
func (s *InMemoryEventStore) GetPageView(ctx context.Context, id string) (*models.PageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pv, ok := s.views[id]
	if !ok {
		return nil, apperr.NotFound("page view", id)
	}
	cp := *pv
	return &cp, nil
}
