package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

var testNow = time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

type viewFixture struct {
	ago     time.Duration
	country string
	page    string
	device  string
	browser string
	subject string
	spent   int64
}

func seedViews(t *testing.T, fixtures ...viewFixture) *storage.InMemoryEventStore {
	t.Helper()
	store := storage.NewInMemoryEventStore()
	for i, s := range fixtures {
		subject := s.subject
		if subject == "" {
			subject = fmt.Sprintf("sess-%d", i)
		}
		require.NoError(t, store.SavePageView(context.Background(), &models.PageView{
			ID:               fmt.Sprintf("pv-%d", i),
			OccurredAt:       testNow.Add(-s.ago),
			PageLabel:        s.page,
			Country:          s.country,
			Device:           s.device,
			Browser:          s.browser,
			SubjectKey:       subject,
			TimeSpentSeconds: s.spent,
		}))
	}
	return store
}

func newTestAggregator(store storage.EventStore) *Aggregator {
	agg := NewAggregator(store, time.UTC, 3650)
	agg.now = func() time.Time { return testNow }
	return agg
}

const day = 24 * time.Hour

func TestWindowStats_ExcludesLocal(t *testing.T) {
	store := seedViews(t,
		viewFixture{ago: 2 * time.Hour, country: "US", page: "Home"},
		viewFixture{ago: day + time.Hour, country: "DE", page: "Blog"},
		viewFixture{ago: 3 * time.Hour, country: models.CountryLocal, page: "Home"},
	)

	stats, err := newTestAggregator(store).WindowStats(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalVisitors)
	for _, c := range stats.Countries {
		assert.NotEqual(t, models.CountryLocal, c.Country)
	}
}

func TestWindowStats_Empty(t *testing.T) {
	stats, err := newTestAggregator(storage.NewInMemoryEventStore()).WindowStats(context.Background(), 7)
	require.NoError(t, err)

	assert.Zero(t, stats.TotalVisitors)
	assert.Zero(t, stats.VisitorGrowth)
	assert.Zero(t, stats.AvgTimeSeconds)
	assert.Zero(t, stats.TimeGrowth)
	assert.Empty(t, stats.Countries)
	assert.Equal(t, testNow, stats.To)
	assert.Equal(t, testNow.Add(-7*day), stats.From)
}

func TestWindowStats_Growth(t *testing.T) {
	store := seedViews(t,
		// current window (last 2 days): 3 visits, avg time (10+20)/2 = 15
		viewFixture{ago: time.Hour, country: "US", spent: 10},
		viewFixture{ago: 5 * time.Hour, country: "US", spent: 20},
		viewFixture{ago: day, country: "FR"},
		// previous window: 2 visits, avg time 12
		viewFixture{ago: 3 * day, country: "US", spent: 12},
		viewFixture{ago: 4*day - time.Minute, country: "US"},
		// outside both windows
		viewFixture{ago: 5 * day, country: "US", spent: 1000},
	)

	stats, err := newTestAggregator(store).WindowStats(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalVisitors)
	assert.Equal(t, 50.0, stats.VisitorGrowth)
	assert.Equal(t, 15.0, stats.AvgTimeSeconds)
	assert.Equal(t, 25.0, stats.TimeGrowth)
}

func TestWindowStats_NoPreviousMeansZeroGrowth(t *testing.T) {
	store := seedViews(t, viewFixture{ago: time.Hour, country: "US", spent: 30})

	stats, err := newTestAggregator(store).WindowStats(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, stats.VisitorGrowth)
	assert.Zero(t, stats.TimeGrowth)
	assert.Equal(t, 30.0, stats.AvgTimeSeconds)
}

func TestWindowStats_Breakdowns(t *testing.T) {
	store := seedViews(t,
		viewFixture{ago: time.Hour, country: "US", page: "Home", device: "desktop", browser: "Chrome", subject: "a"},
		viewFixture{ago: time.Hour, country: "US", page: "Home", device: "mobile", browser: "Safari", subject: "a"},
		viewFixture{ago: time.Hour, country: "GB", page: "Blog", device: "desktop", browser: "Chrome", subject: "b"},
		viewFixture{ago: time.Hour, country: "", page: "About", device: "", browser: "", subject: "c"},
	)

	stats, err := newTestAggregator(store).WindowStats(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.UniqueVisitors)
	assert.Equal(t, []CountryStat{
		{Country: "US", Count: 2, Percent: 50},
		{Country: "GB", Count: 1, Percent: 25},
		{Country: "Unknown", Count: 1, Percent: 25},
	}, stats.Countries)
	assert.Equal(t, "Home", stats.TopPages[0].Label)
	assert.Equal(t, int64(2), stats.TopPages[0].Count)
	assert.Equal(t, "About", stats.TopPages[1].Label)
	assert.Equal(t, Breakdown{Label: "desktop", Count: 2, Percent: 50}, stats.DeviceBreakdown[0])
	assert.Contains(t, stats.DeviceBreakdown, Breakdown{Label: "Unknown", Count: 1, Percent: 25})
	assert.Contains(t, stats.BrowserBreakdown, Breakdown{Label: "Unknown", Count: 1, Percent: 25})
	assert.Equal(t, []Breakdown{{Label: "Direct", Count: 4, Percent: 100}}, stats.TopReferrers)
}

func TestWindowStats_CountryPercentsSumTo100(t *testing.T) {
	var fixtures []viewFixture
	countries := []string{"US", "US", "US", "DE", "DE", "FR", "JP"}
	for _, c := range countries {
		fixtures = append(fixtures, viewFixture{ago: time.Hour, country: c})
	}

	stats, err := newTestAggregator(seedViews(t, fixtures...)).WindowStats(context.Background(), 7)
	require.NoError(t, err)

	sum := 0
	for _, c := range stats.Countries {
		sum += c.Percent
	}
	assert.InDelta(t, 100, sum, float64(len(stats.Countries)))
}

func TestWindowStats_TopPagesLimit(t *testing.T) {
	var fixtures []viewFixture
	for i := 0; i < 15; i++ {
		fixtures = append(fixtures, viewFixture{ago: time.Hour, country: "US", page: fmt.Sprintf("page-%02d", i)})
	}

	stats, err := newTestAggregator(seedViews(t, fixtures...)).WindowStats(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, stats.TopPages, 10)
	assert.Equal(t, "page-00", stats.TopPages[0].Label)
}

func TestWindowStats_InvalidPeriod(t *testing.T) {
	agg := newTestAggregator(storage.NewInMemoryEventStore())

	for _, days := range []int{0, -1, 3651} {
		_, err := agg.WindowStats(context.Background(), days)
		assert.ErrorIs(t, err, apperr.ErrValidation, "days=%d", days)
	}
}

func TestDailySeries_SparseAscending(t *testing.T) {
	store := seedViews(t,
		viewFixture{ago: time.Hour, country: "US"},
		viewFixture{ago: 2 * time.Hour, country: "US"},
		viewFixture{ago: 3 * day, country: "DE"},
		viewFixture{ago: 3 * day, country: models.CountryLocal},
		viewFixture{ago: 10 * day, country: "US"},
	)

	series, err := newTestAggregator(store).DailySeries(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []DailyPoint{
		{Date: "2024-04-12", VisitorCount: 1},
		{Date: "2024-04-15", VisitorCount: 2},
	}, series)
}

func TestBucketDaily_UsesLocation(t *testing.T) {
	tz := time.FixedZone("UTC-5", -5*3600)
	views := []*models.PageView{
		{OccurredAt: time.Date(2024, 4, 15, 3, 0, 0, 0, time.UTC), Country: "US"},
		{OccurredAt: time.Date(2024, 4, 15, 6, 0, 0, 0, time.UTC), Country: "US"},
	}

	assert.Equal(t, []DailyPoint{{Date: "2024-04-15", VisitorCount: 2}}, BucketDaily(views, time.UTC))
	assert.Equal(t, []DailyPoint{
		{Date: "2024-04-14", VisitorCount: 1},
		{Date: "2024-04-15", VisitorCount: 1},
	}, BucketDaily(views, tz))
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		cur, prev, want float64
	}{
		{10, 0, 0},
		{0, 0, 0},
		{15, 10, 50},
		{5, 10, -50},
		{1, 3, -66.7},
		{2, 3, -33.3},
		{4, 3, 33.3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Growth(tt.cur, tt.prev), "cur=%v prev=%v", tt.cur, tt.prev)
	}
}
