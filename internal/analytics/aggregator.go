// Package analytics turns the raw page-view log into windowed statistics.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

const (
	topPagesLimit     = 10
	topReferrersLimit = 10

	labelUnknown = "Unknown"
	labelDirect  = "Direct"
)

// CountryStat is one country group with its integer share of the window.
type CountryStat struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
	Percent int    `json:"percent"`
}

// Breakdown is one group of a grouped count.
type Breakdown struct {
	Label   string  `json:"label"`
	Count   int64   `json:"count"`
	Percent float64 `json:"percent"`
}

// WindowStats summarises [From, To) against the equal-length window before it.
type WindowStats struct {
	PeriodDays int       `json:"periodDays"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`

	TotalVisitors  int64   `json:"totalVisitors"`
	UniqueVisitors int64   `json:"uniqueVisitors"`
	VisitorGrowth  float64 `json:"visitorGrowth"`
	AvgTimeSeconds float64 `json:"avgTimeSeconds"`
	TimeGrowth     float64 `json:"timeGrowth"`

	Countries        []CountryStat `json:"countries"`
	TopPages         []Breakdown   `json:"topPages"`
	TopReferrers     []Breakdown   `json:"topReferrers"`
	DeviceBreakdown  []Breakdown   `json:"deviceBreakdown"`
	BrowserBreakdown []Breakdown   `json:"browserBreakdown"`
}

// DailyPoint is one calendar day with at least one visit.
type DailyPoint struct {
	Date         string `json:"date"`
	VisitorCount int64  `json:"visitorCount"`
}

// Aggregator computes statistics on demand. It only reads the event store.
type Aggregator struct {
	events  storage.EventStore
	loc     *time.Location
	maxDays int
	now     func() time.Time
}

// NewAggregator creates an aggregator bucketing days in loc (UTC when nil).
func NewAggregator(events storage.EventStore, loc *time.Location, maxDays int) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if maxDays <= 0 {
		maxDays = 3650
	}
	return &Aggregator{
		events:  events,
		loc:     loc,
		maxDays: maxDays,
		now:     time.Now,
	}
}

// ValidateDays checks a lookback window length.
func (a *Aggregator) ValidateDays(days int) error {
	if days < 1 || days > a.maxDays {
		return apperr.Invalid("period", fmt.Sprintf("must be between 1 and %d days", a.maxDays))
	}
	return nil
}

// WindowStats computes statistics for [now-days, now) excluding Local traffic.
func (a *Aggregator) WindowStats(ctx context.Context, days int) (*WindowStats, error) {
	if err := a.ValidateDays(days); err != nil {
		return nil, err
	}

	now := a.now()
	window := time.Duration(days) * 24 * time.Hour
	start := now.Add(-window)
	prevStart := start.Add(-window)

	views, err := a.events.ListPageViews(ctx, prevStart, now)
	if err != nil {
		return nil, fmt.Errorf("list page views: %w", err)
	}

	var current, previous []*models.PageView
	for _, pv := range views {
		if pv.Country == models.CountryLocal {
			continue
		}
		if pv.OccurredAt.Before(start) {
			previous = append(previous, pv)
		} else {
			current = append(current, pv)
		}
	}

	stats := ComputeWindow(current, previous)
	stats.PeriodDays = days
	stats.From = start.UTC()
	stats.To = now.UTC()
	return stats, nil
}

// DailySeries buckets [now-days, now) by local calendar day, ascending.
// Days without visits are omitted.
func (a *Aggregator) DailySeries(ctx context.Context, days int) ([]DailyPoint, error) {
	if err := a.ValidateDays(days); err != nil {
		return nil, err
	}

	now := a.now()
	views, err := a.events.ListPageViews(ctx, now.Add(-time.Duration(days)*24*time.Hour), now)
	if err != nil {
		return nil, fmt.Errorf("list page views: %w", err)
	}
	return BucketDaily(views, a.loc), nil
}

// ComputeWindow derives window statistics from pre-filtered current and
// previous window events.
func ComputeWindow(current, previous []*models.PageView) *WindowStats {
	total := int64(len(current))
	prevTotal := int64(len(previous))

	avg := avgTimeSpent(current)
	prevAvg := avgTimeSpent(previous)

	subjects := make(map[string]struct{}, len(current))
	countries := make(map[string]int64)
	pages := make(map[string]int64)
	referrers := make(map[string]int64)
	devices := make(map[string]int64)
	browsers := make(map[string]int64)

	for _, pv := range current {
		subjects[pv.SubjectKey] = struct{}{}
		countries[labelOr(pv.Country, labelUnknown)]++
		pages[labelOr(pv.PageLabel, labelUnknown)]++
		referrers[labelOr(pv.Referrer, labelDirect)]++
		devices[labelOr(pv.Device, labelUnknown)]++
		browsers[labelOr(pv.Browser, labelUnknown)]++
	}

	countryStats := make([]CountryStat, 0, len(countries))
	for _, g := range sortGroups(countries) {
		countryStats = append(countryStats, CountryStat{
			Country: g.label,
			Count:   g.count,
			Percent: int(math.Round(percent(g.count, total))),
		})
	}

	return &WindowStats{
		TotalVisitors:    total,
		UniqueVisitors:   int64(len(subjects)),
		VisitorGrowth:    Growth(float64(total), float64(prevTotal)),
		AvgTimeSeconds:   Round1(avg),
		TimeGrowth:       Growth(avg, prevAvg),
		Countries:        countryStats,
		TopPages:         breakdown(pages, total, topPagesLimit),
		TopReferrers:     breakdown(referrers, total, topReferrersLimit),
		DeviceBreakdown:  breakdown(devices, total, 0),
		BrowserBreakdown: breakdown(browsers, total, 0),
	}
}

// BucketDaily counts non-Local events per calendar day in loc.
func BucketDaily(views []*models.PageView, loc *time.Location) []DailyPoint {
	if loc == nil {
		loc = time.UTC
	}

	counts := make(map[string]int64)
	for _, pv := range views {
		if pv.Country == models.CountryLocal {
			continue
		}
		counts[pv.OccurredAt.In(loc).Format(time.DateOnly)]++
	}

	series := make([]DailyPoint, 0, len(counts))
	for day, n := range counts {
		series = append(series, DailyPoint{Date: day, VisitorCount: n})
	}
	// ISO dates sort lexically
	sort.Slice(series, func(i, j int) bool { return series[i].Date < series[j].Date })
	return series
}

// Growth is the single-decimal percentage change from previous to current,
// or 0 when there is no previous value.
func Growth(current, previous float64) float64 {
	if previous <= 0 {
		return 0
	}
	return Round1((current - previous) / previous * 100)
}

// Round1 rounds half away from zero to one decimal.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func avgTimeSpent(views []*models.PageView) float64 {
	var sum, n int64
	for _, pv := range views {
		if pv.TimeSpentSeconds > 0 {
			sum += pv.TimeSpentSeconds
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func percent(count, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) * 100 / float64(total)
}

type group struct {
	label string
	count int64
}

// sortGroups orders by count descending, then label ascending.
func sortGroups(m map[string]int64) []group {
	groups := make([]group, 0, len(m))
	for label, count := range m {
		groups = append(groups, group{label: label, count: count})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].label < groups[j].label
	})
	return groups
}

func breakdown(m map[string]int64, total int64, limit int) []Breakdown {
	groups := sortGroups(m)
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}

	out := make([]Breakdown, 0, len(groups))
	for _, g := range groups {
		out = append(out, Breakdown{
			Label:   g.label,
			Count:   g.count,
			Percent: Round1(percent(g.count, total)),
		})
	}
	return out
}

func labelOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
