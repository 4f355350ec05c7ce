package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

const cacheKeyPrefix = "pulse:stats:"

// Dashboard is the combined payload of the analytics page.
type Dashboard struct {
	Stats  *WindowStats `json:"stats"`
	Series []DailyPoint `json:"daily"`
}

// CampaignReport is a campaign's engagement with rates against recipients.
type CampaignReport struct {
	ID             string                `json:"id"`
	Subject        string                `json:"subject"`
	Title          string                `json:"title"`
	Status         models.CampaignStatus `json:"status"`
	SentAt         *time.Time            `json:"sentAt,omitempty"`
	RecipientCount int64                 `json:"recipientCount"`
	Stats          models.CampaignStats  `json:"stats"`
	OpenRate       float64               `json:"openRate"`
	ClickRate      float64               `json:"clickRate"`
}

// ReportingService is the read-only query surface used by the dashboard.
type ReportingService struct {
	agg       *Aggregator
	campaigns storage.CampaignStore
	cache     *redis.Client
	cacheTTL  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReportingService creates a reporting service. cache may be nil to
// disable response caching.
func NewReportingService(
	agg *Aggregator,
	campaigns storage.CampaignStore,
	cache *redis.Client,
	cacheTTL time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReportingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportingService{
		agg:       agg,
		campaigns: campaigns,
		cache:     cache,
		cacheTTL:  cacheTTL,
		metrics:   m,
		logger:    logger,
	}
}

// ValidatePeriod checks a requested period in days.
func (s *ReportingService) ValidatePeriod(days int) error {
	return s.agg.ValidateDays(days)
}

// Stats returns window statistics for the last days.
func (s *ReportingService) Stats(ctx context.Context, days int) (*WindowStats, error) {
	return cached(ctx, s, "window", days, func() (*WindowStats, error) {
		return s.agg.WindowStats(ctx, days)
	})
}

// Series returns the sparse daily series for the last days.
func (s *ReportingService) Series(ctx context.Context, days int) ([]DailyPoint, error) {
	return cached(ctx, s, "daily", days, func() ([]DailyPoint, error) {
		return s.agg.DailySeries(ctx, days)
	})
}

// Dashboard computes stats and series concurrently.
func (s *ReportingService) Dashboard(ctx context.Context, days int) (*Dashboard, error) {
	if err := s.ValidatePeriod(days); err != nil {
		return nil, err
	}

	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := s.Stats(gctx, days)
		d.Stats = stats
		return err
	})
	g.Go(func() error {
		series, err := s.Series(gctx, days)
		d.Series = series
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}

// CampaignReport returns engagement figures for one campaign.
func (s *ReportingService) CampaignReport(ctx context.Context, id string) (*CampaignReport, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &CampaignReport{
		ID:             c.ID,
		Subject:        c.Subject,
		Title:          c.Title,
		Status:         c.Status,
		SentAt:         c.SentAt,
		RecipientCount: c.RecipientCount,
		Stats:          c.Stats,
		OpenRate:       rate(c.Stats.UniqueOpens, c.RecipientCount),
		ClickRate:      rate(c.Stats.UniqueClicks, c.RecipientCount),
	}, nil
}

// Invalidate drops every cached report. Called when a late write such as a
// dwell time changes figures already served from cache.
func (s *ReportingService) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	iter := s.cache.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.cache.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func rate(unique, recipients int64) float64 {
	if recipients <= 0 {
		return 0
	}
	return Round1(float64(unique) / float64(recipients) * 100)
}

func cacheKey(kind string, days int) string {
	return fmt.Sprintf("%s%s:%d", cacheKeyPrefix, kind, days)
}

// cached serves kind/days from Redis when possible. Cache errors are logged
// and fall through to compute.
func cached[T any](ctx context.Context, s *ReportingService, kind string, days int, compute func() (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordAggregation(kind, time.Since(start))
		}
	}()

	if s.cache == nil || s.cacheTTL <= 0 {
		return compute()
	}

	key := cacheKey(kind, days)
	if raw, err := s.cache.Get(ctx, key).Bytes(); err == nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			s.recordCache(true)
			return v, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.recordCache(false)

	v, err := compute()
	if err != nil {
		return v, err
	}

	if raw, err := json.Marshal(v); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL).Err(); err != nil {
			s.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}

func (s *ReportingService) recordCache(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordReportCache(hit)
	}
}
