package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// ClickHouseEventStore keeps page views in a ReplacingMergeTree. Rows are
// never updated in place: a dwell-time change re-inserts the event with a
// higher version and reads use FINAL to collapse versions.
type ClickHouseEventStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewClickHouseEventStore creates an event store over a clickhouse-go handle.
func NewClickHouseEventStore(db *sql.DB) *ClickHouseEventStore {
	return &ClickHouseEventStore{db: db, now: time.Now}
}

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS page_views (
	id                 String,
	occurred_at        DateTime64(3, 'UTC'),
	page_label         String,
	path               String,
	referrer           String,
	subject_key        String,
	source_ip          String,
	user_agent         String,
	country            LowCardinality(String),
	city               String,
	device             LowCardinality(String),
	browser            LowCardinality(String),
	time_spent_seconds Int64,
	version            UInt64
) ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (occurred_at, id)`

const clickHouseInsert = `INSERT INTO page_views (id, occurred_at, page_label, path, referrer, subject_key,
	source_ip, user_agent, country, city, device, browser, time_spent_seconds, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const clickHouseSelect = `SELECT id, occurred_at, page_label, path, referrer, subject_key,
	source_ip, user_agent, country, city, device, browser, time_spent_seconds
FROM page_views FINAL`

// EnsureSchema creates the page_views table if it does not exist.
func (s *ClickHouseEventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, clickHouseSchema); err != nil {
		return fmt.Errorf("failed to create page_views table: %w", err)
	}
	return nil
}

func (s *ClickHouseEventStore) SavePageView(ctx context.Context, pv *models.PageView) error {
	if pv == nil {
		return nil
	}
	return s.insert(ctx, pv)
}

func (s *ClickHouseEventStore) insert(ctx context.Context, pv *models.PageView) error {
	_, err := s.db.ExecContext(ctx, clickHouseInsert,
		pv.ID, pv.OccurredAt.UTC(), pv.PageLabel, pv.Path, pv.Referrer, pv.SubjectKey,
		pv.SourceIP, pv.UserAgentRaw, pv.Country, pv.City, pv.Device, pv.Browser,
		pv.TimeSpentSeconds, uint64(s.now().UnixNano()))
	if err != nil {
		return fmt.Errorf("failed to insert page view: %w", err)
	}
	return nil
}

func (s *ClickHouseEventStore) UpdateTimeSpent(ctx context.Context, id string, seconds int64) error {
	row := s.db.QueryRowContext(ctx, clickHouseSelect+` WHERE id = ? LIMIT 1`, id)
	pv, err := scanPageView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("page view", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load page view: %w", err)
	}

	pv.TimeSpentSeconds = seconds
	return s.insert(ctx, pv)
}

func (s *ClickHouseEventStore) ListPageViews(ctx context.Context, from, to time.Time) ([]*models.PageView, error) {
	rows, err := s.db.QueryContext(ctx, clickHouseSelect+`
WHERE occurred_at >= ? AND occurred_at < ?
ORDER BY occurred_at`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query page views: %w", err)
	}
	defer rows.Close()

	views := make([]*models.PageView, 0)
	for rows.Next() {
		pv, err := scanPageView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, pv)
	}
	return views, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPageView(row rowScanner) (*models.PageView, error) {
	var pv models.PageView
	err := row.Scan(&pv.ID, &pv.OccurredAt, &pv.PageLabel, &pv.Path, &pv.Referrer, &pv.SubjectKey,
		&pv.SourceIP, &pv.UserAgentRaw, &pv.Country, &pv.City, &pv.Device, &pv.Browser, &pv.TimeSpentSeconds)
	if err != nil {
		return nil, err
	}
	return &pv, nil
}
