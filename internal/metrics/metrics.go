package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics engine.
type Metrics struct {
	// Ingestion metrics
	PageViews    *prometheus.CounterVec
	DwellUpdates *prometheus.CounterVec

	// Engagement metrics
	Engagements *prometheus.CounterVec

	// Geo metrics
	GeoLookups       *prometheus.CounterVec
	GeoLookupLatency *prometheus.HistogramVec

	// Campaign send metrics
	Dispatches   *prometheus.CounterVec
	SendDuration prometheus.Histogram

	// Reporting metrics
	AggregationLatency *prometheus.HistogramVec
	ReportCache        *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PageViews: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_views_total",
				Help:      "Total page views ingested",
			},
			[]string{"device", "geo_source"},
		),
		DwellUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dwell_updates_total",
				Help:      "Dwell time updates by outcome",
			},
			[]string{"outcome"},
		),

		Engagements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "email_engagements_total",
				Help:      "Email opens and clicks by uniqueness",
			},
			[]string{"kind", "unique"},
		),

		GeoLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "geo_lookups_total",
				Help:      "Geolocation lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss, error
		),
		GeoLookupLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "Geolocation lookup latency",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"cache_hit"},
		),

		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "campaign_dispatches_total",
				Help:      "Per-recipient campaign dispatch results",
			},
			[]string{"status"},
		),
		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "campaign_send_duration_seconds",
				Help:      "Duration of a whole campaign send",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),

		AggregationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "aggregation_latency_seconds",
				Help:      "Statistics aggregation latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		),
		ReportCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_cache_total",
				Help:      "Report cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"scope"},
		),

		DBConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordPageView records an ingested page view.
func (m *Metrics) RecordPageView(device, geoSource string) {
	m.PageViews.WithLabelValues(device, geoSource).Inc()
}

// RecordDwellUpdate records a dwell-time update.
func (m *Metrics) RecordDwellUpdate(outcome string) {
	m.DwellUpdates.WithLabelValues(outcome).Inc()
}

// RecordEngagement records an email open or click.
func (m *Metrics) RecordEngagement(kind string, unique bool) {
	m.Engagements.WithLabelValues(kind, strconv.FormatBool(unique)).Inc()
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(outcome string, cacheHit bool, latency time.Duration) {
	m.GeoLookups.WithLabelValues(outcome).Inc()
	m.GeoLookupLatency.WithLabelValues(strconv.FormatBool(cacheHit)).Observe(latency.Seconds())
}

// RecordDispatch records one recipient dispatch.
func (m *Metrics) RecordDispatch(success bool) {
	status := "failed"
	if success {
		status = "sent"
	}
	m.Dispatches.WithLabelValues(status).Inc()
}

// RecordSend records the duration of a campaign send.
func (m *Metrics) RecordSend(d time.Duration) {
	m.SendDuration.Observe(d.Seconds())
}

// RecordAggregation records how long a statistics computation took.
func (m *Metrics) RecordAggregation(kind string, d time.Duration) {
	m.AggregationLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordReportCache records a report cache hit or miss.
func (m *Metrics) RecordReportCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ReportCache.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(scope string) {
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
