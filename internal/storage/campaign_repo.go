package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// InMemoryCampaignStore keeps campaigns in a map guarded by a single mutex,
// which makes every ledger update atomic for the process.
type InMemoryCampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign

	// Membership index mirroring OpenedBy/ClickedBy
	ledger map[string]map[models.EngagementKind]map[string]struct{}
}

// NewInMemoryCampaignStore creates a new empty in-memory campaign store.
func NewInMemoryCampaignStore() *InMemoryCampaignStore {
	return &InMemoryCampaignStore{
		campaigns: make(map[string]*models.Campaign),
		ledger:    make(map[string]map[models.EngagementKind]map[string]struct{}),
	}
}

func (r *InMemoryCampaignStore) Create(ctx context.Context, c *models.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.campaigns[c.ID]; exists {
		return apperr.Conflict("campaign %s already exists", c.ID)
	}

	cp := c.Clone()
	cp.OpenedBy = models.UniqueSubjects(cp.OpenedBy)
	cp.ClickedBy = models.UniqueSubjects(cp.ClickedBy)
	sets := map[models.EngagementKind]map[string]struct{}{
		models.EngagementOpen:  make(map[string]struct{}),
		models.EngagementClick: make(map[string]struct{}),
	}
	for _, s := range cp.OpenedBy {
		sets[models.EngagementOpen][s] = struct{}{}
	}
	for _, s := range cp.ClickedBy {
		sets[models.EngagementClick][s] = struct{}{}
	}
	cp.Stats.UniqueOpens = int64(len(sets[models.EngagementOpen]))
	cp.Stats.UniqueClicks = int64(len(sets[models.EngagementClick]))

	r.campaigns[c.ID] = cp
	r.ledger[c.ID] = sets
	return nil
}

func (r *InMemoryCampaignStore) Get(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign", id)
	}
	return c.Clone(), nil
}

func (r *InMemoryCampaignStore) List(ctx context.Context) ([]*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		list = append(list, c.Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

func (r *InMemoryCampaignStore) RecordEngagement(ctx context.Context, id string, kind models.EngagementKind, subjectKey string) (models.EngagementResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return models.EngagementResult{}, nil
	}

	set := r.ledger[id][kind]
	_, seen := set[subjectKey]

	switch kind {
	case models.EngagementOpen:
		c.Stats.Opens++
		if !seen {
			c.Stats.UniqueOpens++
			c.OpenedBy = append(c.OpenedBy, subjectKey)
		}
	case models.EngagementClick:
		c.Stats.Clicks++
		if !seen {
			c.Stats.UniqueClicks++
			c.ClickedBy = append(c.ClickedBy, subjectKey)
		}
	default:
		return models.EngagementResult{}, apperr.Invalid("kind", "unknown engagement kind "+string(kind))
	}
	if !seen {
		set[subjectKey] = struct{}{}
	}
	c.UpdatedAt = time.Now().UTC()

	return models.EngagementResult{Found: true, Unique: !seen, Stats: c.Stats}, nil
}

func (r *InMemoryCampaignStore) BeginSend(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign", id)
	}
	if !c.Status.Sendable() {
		return nil, apperr.Conflict("campaign %s is %s", id, c.Status)
	}
	c.Status = models.CampaignSending
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

func (r *InMemoryCampaignStore) CompleteSend(ctx context.Context, id string, sentAt time.Time, recipientCount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return apperr.NotFound("campaign", id)
	}
	if c.Status != models.CampaignSending {
		return apperr.InvalidState("campaign %s is %s, not sending", id, c.Status)
	}
	t := sentAt
	c.Status = models.CampaignSent
	c.SentAt = &t
	c.RecipientCount = recipientCount
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryCampaignStore) FailSend(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return apperr.NotFound("campaign", id)
	}
	if c.Status != models.CampaignSending {
		return apperr.InvalidState("campaign %s is %s, not sending", id, c.Status)
	}
	c.Status = models.CampaignFailed
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================
// Subscribers
// =============================================

// InMemorySubscriberSource serves a fixed recipient list.
type InMemorySubscriberSource struct {
	mu          sync.RWMutex
	subscribers []models.Subscriber
}

func NewInMemorySubscriberSource(subs ...models.Subscriber) *InMemorySubscriberSource {
	return &InMemorySubscriberSource{subscribers: subs}
}

// Add appends an active subscriber.
func (s *InMemorySubscriberSource) Add(sub models.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

func (s *InMemorySubscriberSource) ListActive(ctx context.Context) ([]models.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Subscriber(nil), s.subscribers...), nil
}
