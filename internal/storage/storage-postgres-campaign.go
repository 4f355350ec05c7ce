package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// PostgresCampaignStore implements CampaignStore using PostgreSQL. The dedup
// ledger lives in TEXT[] columns on the campaign row.
type PostgresCampaignStore struct {
	pool PgxQuerier
}

// NewPostgresCampaignStore creates a new PostgreSQL-backed campaign store.
func NewPostgresCampaignStore(pool PgxQuerier) *PostgresCampaignStore {
	return &PostgresCampaignStore{pool: pool}
}

const campaignColumns = `id, subject, title, body_html, status, sent_at, recipient_count,
	opens, unique_opens, clicks, unique_clicks, opened_by, clicked_by, created_at, updated_at`

// engagementColumns maps a kind to its (raw, unique, set) columns.
var engagementColumns = map[models.EngagementKind][3]string{
	models.EngagementOpen:  {"opens", "unique_opens", "opened_by"},
	models.EngagementClick: {"clicks", "unique_clicks", "clicked_by"},
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var status string

	err := row.Scan(&c.ID, &c.Subject, &c.Title, &c.BodyHTML, &status, &c.SentAt, &c.RecipientCount,
		&c.Stats.Opens, &c.Stats.UniqueOpens, &c.Stats.Clicks, &c.Stats.UniqueClicks,
		&c.OpenedBy, &c.ClickedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	return &c, nil
}

func (r *PostgresCampaignStore) Create(ctx context.Context, c *models.Campaign) error {
	openedBy := models.UniqueSubjects(c.OpenedBy)
	clickedBy := models.UniqueSubjects(c.ClickedBy)

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, subject, title, body_html, status, sent_at, recipient_count,
			opens, unique_opens, clicks, unique_clicks, opened_by, clicked_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, cardinality($9::text[]), $10, cardinality($11::text[]), $9, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Subject, c.Title, c.BodyHTML, string(c.Status), c.SentAt, c.RecipientCount,
		c.Stats.Opens, openedBy, c.Stats.Clicks, clickedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("campaign %s already exists", c.ID)
	}
	return nil
}

func (r *PostgresCampaignStore) Get(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("campaign", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

func (r *PostgresCampaignStore) List(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC LIMIT 1000`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	list := make([]*models.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// RecordEngagement runs the dedup check and both increments in one statement.
// The row lock taken by the CTE serialises concurrent engagements on the same
// campaign, so the membership test always sees the latest ledger.
func (r *PostgresCampaignStore) RecordEngagement(ctx context.Context, id string, kind models.EngagementKind, subjectKey string) (models.EngagementResult, error) {
	cols, ok := engagementColumns[kind]
	if !ok {
		return models.EngagementResult{}, apperr.Invalid("kind", "unknown engagement kind "+string(kind))
	}
	raw, uniq, set := cols[0], cols[1], cols[2]

	query := fmt.Sprintf(`
		WITH target AS (
			SELECT id, ($2::text = ANY(%[3]s)) AS seen
			FROM campaigns WHERE id = $1
			FOR UPDATE
		)
		UPDATE campaigns c SET
			%[1]s = c.%[1]s + 1,
			%[2]s = c.%[2]s + CASE WHEN target.seen THEN 0 ELSE 1 END,
			%[3]s = CASE WHEN target.seen THEN c.%[3]s ELSE array_append(c.%[3]s, $2::text) END,
			updated_at = NOW()
		FROM target
		WHERE c.id = target.id
		RETURNING c.opens, c.unique_opens, c.clicks, c.unique_clicks, NOT target.seen
	`, raw, uniq, set)

	res := models.EngagementResult{Found: true}
	err := r.pool.QueryRow(ctx, query, id, subjectKey).Scan(
		&res.Stats.Opens, &res.Stats.UniqueOpens, &res.Stats.Clicks, &res.Stats.UniqueClicks, &res.Unique)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EngagementResult{}, nil
	}
	if err != nil {
		return models.EngagementResult{}, fmt.Errorf("failed to record %s: %w", kind, err)
	}
	return res, nil
}

func (r *PostgresCampaignStore) BeginSend(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `
		UPDATE campaigns SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'failed')
		RETURNING `+campaignColumns, id))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to begin send: %w", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.Conflict("campaign %s is %s", id, current.Status)
}

func (r *PostgresCampaignStore) CompleteSend(ctx context.Context, id string, sentAt time.Time, recipientCount int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET status = 'sent', sent_at = $2, recipient_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, sentAt, recipientCount)
	if err != nil {
		return fmt.Errorf("failed to complete send: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidState("campaign %s is not sending", id)
	}
	return nil
}

func (r *PostgresCampaignStore) FailSend(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark send failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidState("campaign %s is not sending", id)
	}
	return nil
}

// =============================================
// Subscribers
// =============================================

// PostgresSubscriberSource reads active subscribers maintained by the
// newsletter service.
type PostgresSubscriberSource struct {
	pool PgxQuerier
}

func NewPostgresSubscriberSource(pool PgxQuerier) *PostgresSubscriberSource {
	return &PostgresSubscriberSource{pool: pool}
}

func (s *PostgresSubscriberSource) ListActive(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email FROM subscribers WHERE active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	subs := make([]models.Subscriber, 0)
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Email); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
