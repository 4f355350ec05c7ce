package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/radiusdt/vector-pulse/internal/models"
)

// PgxQuerier is the part of *pgxpool.Pool the Postgres stores use.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================
// EVENT STORE
// =============================================

// EventStore is the append-only page-view log. The only mutation after
// append is the dwell time.
type EventStore interface {
	SavePageView(ctx context.Context, pv *models.PageView) error
	// UpdateTimeSpent returns apperr.ErrNotFound for unknown ids.
	UpdateTimeSpent(ctx context.Context, id string, seconds int64) error
	// ListPageViews returns events with from <= OccurredAt < to.
	ListPageViews(ctx context.Context, from, to time.Time) ([]*models.PageView, error)
}

// =============================================
// CAMPAIGN STORE
// =============================================

// CampaignStore persists campaigns together with their dedup ledger.
type CampaignStore interface {
	Create(ctx context.Context, c *models.Campaign) error
	Get(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context) ([]*models.Campaign, error)

	// RecordEngagement increments the raw counter for kind and, when
	// subjectKey is not yet in the matching ledger set, the unique counter and
	// the set, as one atomic step. Unknown campaigns yield Found=false.
	RecordEngagement(ctx context.Context, id string, kind models.EngagementKind, subjectKey string) (models.EngagementResult, error)

	// BeginSend moves a draft or failed campaign to sending. Campaigns
	// already sending or sent yield apperr.ErrConflict.
	BeginSend(ctx context.Context, id string) (*models.Campaign, error)
	// CompleteSend moves a sending campaign to sent.
	CompleteSend(ctx context.Context, id string, sentAt time.Time, recipientCount int64) error
	// FailSend moves a sending campaign to failed.
	FailSend(ctx context.Context, id string) error
}

// =============================================
// SUBSCRIBERS
// =============================================

// SubscriberSource lists the recipients of a campaign send.
type SubscriberSource interface {
	ListActive(ctx context.Context) ([]models.Subscriber, error)
}
