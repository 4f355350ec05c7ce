package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool PgxQuerier
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool PgxQuerier) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// SavePageView stores a page view event.
func (s *PostgresEventStore) SavePageView(ctx context.Context, pv *models.PageView) error {
	if pv == nil {
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO page_views (id, occurred_at, page_label, path, referrer, subject_key,
			source_ip, user_agent, country, city, device, browser, time_spent_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, pv.ID, pv.OccurredAt, pv.PageLabel, pv.Path, nullString(pv.Referrer), pv.SubjectKey,
		nullString(pv.SourceIP), nullString(pv.UserAgentRaw), pv.Country, nullString(pv.City),
		pv.Device, pv.Browser, pv.TimeSpentSeconds)

	if err != nil {
		return fmt.Errorf("failed to save page view: %w", err)
	}
	return nil
}

// UpdateTimeSpent sets the dwell time of a page view.
func (s *PostgresEventStore) UpdateTimeSpent(ctx context.Context, id string, seconds int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE page_views SET time_spent_seconds = $2 WHERE id = $1
	`, id, seconds)
	if err != nil {
		return fmt.Errorf("failed to update time spent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("page view", id)
	}
	return nil
}

// ListPageViews returns events in [from, to) ordered by time.
func (s *PostgresEventStore) ListPageViews(ctx context.Context, from, to time.Time) ([]*models.PageView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, occurred_at, page_label, path, referrer, subject_key,
			source_ip, user_agent, country, city, device, browser, time_spent_seconds
		FROM page_views
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list page views: %w", err)
	}
	defer rows.Close()

	views := make([]*models.PageView, 0)
	for rows.Next() {
		var pv models.PageView
		var referrer, sourceIP, userAgent, city *string

		if err := rows.Scan(&pv.ID, &pv.OccurredAt, &pv.PageLabel, &pv.Path, &referrer, &pv.SubjectKey,
			&sourceIP, &userAgent, &pv.Country, &city, &pv.Device, &pv.Browser, &pv.TimeSpentSeconds); err != nil {
			return nil, err
		}

		pv.Referrer = derefString(referrer)
		pv.SourceIP = derefString(sourceIP)
		pv.UserAgentRaw = derefString(userAgent)
		pv.City = derefString(city)

		views = append(views, &pv)
	}

	return views, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
