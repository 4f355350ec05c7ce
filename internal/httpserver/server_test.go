package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/analytics"
	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/database"
	"github.com/radiusdt/vector-pulse/internal/geo"
	"github.com/radiusdt/vector-pulse/internal/mailing"
	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
	"github.com/radiusdt/vector-pulse/internal/tracking"
)

const testAPIKey = "test-master-key"

type staticResolver struct {
	loc geo.Location
}

func (s staticResolver) Resolve(ctx context.Context, ip string) geo.Location {
	return s.loc
}

type captureDispatcher struct {
	mu   sync.Mutex
	sent []*mailing.Message
}

func (d *captureDispatcher) Send(ctx context.Context, msg *mailing.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:         "test",
			CORSOrigins: []string{"*"},
			// httptest requests arrive from 192.0.2.1
			TrustedProxies: []string{"192.0.2.0/24"},
			PublicURL:      "https://pulse.example.com",
		},
		Auth:      config.AuthConfig{Enabled: true, MasterKey: testAPIKey},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Metrics:   config.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "test"},
		Geo:       config.GeoConfig{Provider: "none"},
		Mail:      config.MailConfig{Provider: "log", UnsubscribeURL: "https://example.com/unsubscribe"},
		Analytics: config.AnalyticsConfig{
			DefaultPeriodDays: 7,
			MaxPeriodDays:     3650,
			Timezone:          "UTC",
		},
	}
}

type testEnv struct {
	server     *Server
	events     *storage.InMemoryEventStore
	dispatcher *captureDispatcher
	subs       *storage.InMemorySubscriberSource
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test adjust the dependencies, including the config,
// before the server is built.
func newTestEnvWith(t *testing.T, tweak func(*Dependencies)) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	env := &testEnv{
		events:     storage.NewInMemoryEventStore(),
		dispatcher: &captureDispatcher{},
		subs:       storage.NewInMemorySubscriberSource(),
	}
	deps := &Dependencies{
		Config:      testConfig(),
		Logger:      zap.NewNop(),
		Metrics:     metrics.NewMetrics("test", reg),
		Events:      env.events,
		Subscribers: env.subs,
		Geo:         staticResolver{loc: geo.Location{CountryCode: "FR", City: "Paris"}},
		Dispatcher:  env.dispatcher,
		Gatherer:    reg,
	}
	if tweak != nil {
		tweak(deps)
	}
	env.server = NewServer(deps)
	t.Cleanup(func() { _ = env.server.Close() })
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func (e *testEnv) createCampaign(t *testing.T) *models.Campaign {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/campaigns", map[string]string{
		"subject":  "Spring news",
		"title":    "Spring",
		"bodyHtml": `<html><body><p>Hello {{ subscriber.email }}</p><a href="https://example.com/post">Read</a></body></html>`,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var c models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	return &c
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}

func TestTrackPageView(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Home",
		"path":      "/",
		"sessionId": "sess-1",
		"referrer":  "https://news.ycombinator.com/",
	}, map[string]string{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"X-Forwarded-For": "203.0.113.10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	pv, err := env.events.GetPageView(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", pv.SourceIP)
	assert.Equal(t, "FR", pv.Country)
	assert.Equal(t, "Paris", pv.City)
	assert.Equal(t, models.DeviceDesktop, pv.Device)
	assert.Equal(t, tracking.BrowserChrome, pv.Browser)
}

func TestTrackPageView_ForwardedForFromUntrustedPeerIgnored(t *testing.T) {
	env := newTestEnvWith(t, func(deps *Dependencies) {
		deps.Config.Server.TrustedProxies = nil
	})

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Home", "path": "/", "sessionId": "sess-spoof",
	}, map[string]string{"X-Forwarded-For": "127.0.0.1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	pv, err := env.events.GetPageView(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", pv.SourceIP)
	assert.Equal(t, "FR", pv.Country)
}

func TestTrackPageView_GeoHeaderWins(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Blog",
		"path":      "/blog",
		"sessionId": "sess-2",
	}, map[string]string{
		"CF-IPCountry":    "DE",
		"CF-IPCity":       "Berlin",
		"X-Forwarded-For": "198.51.100.23",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	pv, err := env.events.GetPageView(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, "DE", pv.Country)
	assert.Equal(t, "Berlin", pv.City)
}

func TestTrackPageView_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{"path": "/"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Fields []string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"pageLabel", "sessionId"}, resp.Fields)

	rec = env.do(t, http.MethodPost, "/api/analytics/track", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTimeSpent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Home", "path": "/", "sessionId": "s",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = env.do(t, http.MethodPut, "/api/analytics/track/"+resp["id"]+"/time", map[string]int{"timeSpent": 42}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	pv, err := env.events.GetPageView(context.Background(), resp["id"])
	require.NoError(t, err)
	assert.Equal(t, int64(42), pv.TimeSpentSeconds)

	rec = env.do(t, http.MethodPut, "/api/analytics/track/missing/time", map[string]int{"timeSpent": 5}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/analytics/track/"+resp["id"]+"/time", map[string]int{"timeSpent": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/analytics/track/"+resp["id"]+"/time", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTimeSpent_InvalidatesReportCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := database.NewRedisDB(context.Background(), config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnvWith(t, func(deps *Dependencies) {
		deps.Redis = rdb
		deps.Config.Analytics.CacheTTL = time.Minute
	})

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Home", "path": "/", "sessionId": "s",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = env.do(t, http.MethodGet, "/api/analytics/stats?period=7", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, mr.Keys())

	rec = env.do(t, http.MethodPut, "/api/analytics/track/"+resp["id"]+"/time", map[string]int{"timeSpent": 42}, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, mr.Keys())
}

func TestStats_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/analytics/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/analytics/stats", nil, map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)

	for i, header := range []string{"DE", "DE", "US"} {
		rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
			"pageLabel": "Home", "path": "/", "sessionId": "s" + string(rune('a'+i)),
		}, map[string]string{"X-Country-Code": header})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/analytics/stats", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats analytics.WindowStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 7, stats.PeriodDays)
	assert.Equal(t, int64(3), stats.TotalVisitors)
	require.NotEmpty(t, stats.Countries)
	assert.Equal(t, "DE", stats.Countries[0].Country)
	assert.Equal(t, int64(2), stats.Countries[0].Count)
}

func TestStats_Period(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		query string
		want  int
	}{
		{"?period=30", http.StatusOK},
		{"?period=0", http.StatusBadRequest},
		{"?period=3651", http.StatusBadRequest},
		{"?period=-3", http.StatusBadRequest},
		{"?period=week", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/analytics/stats"+tt.query, nil, adminHeaders())
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDailyAndDashboard(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/analytics/track", map[string]string{
		"pageLabel": "Home", "path": "/", "sessionId": "s",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/analytics/daily?period=7", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var series []analytics.DailyPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Len(t, series, 1)
	assert.Equal(t, time.Now().UTC().Format(time.DateOnly), series[0].Date)
	assert.Equal(t, int64(1), series[0].VisitorCount)

	rec = env.do(t, http.MethodGet, "/api/analytics/dashboard", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var dash analytics.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	require.NotNil(t, dash.Stats)
	assert.Equal(t, int64(1), dash.Stats.TotalVisitors)
	assert.Len(t, dash.Series, 1)
}

func TestOpenPixel(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/track/open/"+c.ID+"/sub-1", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
		assert.Equal(t, tracking.TransparentPixel, rec.Body.Bytes())
	}
	env.do(t, http.MethodGet, "/track/open/"+c.ID+"/sub-2", nil, nil)

	rec := env.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(4), got.Stats.Opens)
	assert.Equal(t, int64(2), got.Stats.UniqueOpens)
	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, got.OpenedBy)
}

func TestOpenPixel_UnknownCampaignStillServesImage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/track/open/does-not-exist/sub-1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.Equal(t, tracking.TransparentPixel, rec.Body.Bytes())
}

func TestClick(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t)

	q := url.Values{}
	q.Set("url", "https://example.com/post")
	q.Set("cid", c.ID)
	q.Set("sid", "sub-1")

	rec := env.do(t, http.MethodGet, "/track/click?"+q.Encode(), nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/post", rec.Header().Get("Location"))

	rec = env.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil, adminHeaders())
	var got models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.Stats.Clicks)
	assert.Equal(t, int64(1), got.Stats.UniqueClicks)
}

func TestClick_BadTargets(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/track/click?cid=c&sid=s", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/track/click?url="+url.QueryEscape("javascript:alert(1)"), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Redirect works even without campaign references
	rec = env.do(t, http.MethodGet, "/track/click?url=example.com", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Location"))
}

func TestEngagement_ServedWhenRateLimited(t *testing.T) {
	env := newTestEnvWith(t, func(deps *Dependencies) {
		deps.Config.RateLimit = config.RateLimitConfig{
			Enabled:    true,
			TrackRPS:   0.001,
			TrackBurst: 1,
			MgmtRPS:    100,
			MgmtBurst:  100,
		}
	})
	c := env.createCampaign(t)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/track/open/"+c.ID+"/sub-1", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Equal(t, tracking.TransparentPixel, rec.Body.Bytes())
	}

	q := url.Values{}
	q.Set("url", "https://example.com/post")
	q.Set("cid", c.ID)
	q.Set("sid", "sub-1")
	rec := env.do(t, http.MethodGet, "/track/click?"+q.Encode(), nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/post", rec.Header().Get("Location"))

	// Missing target is still the one rejected case
	rec = env.do(t, http.MethodGet, "/track/click?cid="+c.ID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Only the first open got through the bucket
	rec = env.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.Stats.Opens)
	assert.Equal(t, int64(0), got.Stats.Clicks)
}

func TestCampaigns_CreateValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/campaigns", map[string]string{"title": "t"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/campaigns/nope", nil, adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCampaigns_List(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t)
	env.createCampaign(t)

	rec := env.do(t, http.MethodGet, "/api/campaigns", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestSendCampaign(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.subs.Add(models.Subscriber{ID: gofakeit.UUID(), Email: gofakeit.Email()})
	}
	c := env.createCampaign(t)

	rec := env.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/send", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report mailing.SendReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 3, report.Succeeded)
	assert.Len(t, env.dispatcher.sent, 3)
	for _, msg := range env.dispatcher.sent {
		assert.Contains(t, msg.HTML, "https://pulse.example.com/track/open/"+c.ID+"/")
		assert.True(t, strings.Contains(msg.HTML, "/track/click?"))
	}

	// Already sent
	rec = env.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/send", nil, adminHeaders())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/campaigns/"+c.ID+"/report", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var cr analytics.CampaignReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	assert.Equal(t, models.CampaignSent, cr.Status)
	assert.Equal(t, int64(3), cr.RecipientCount)
}

func TestSendCampaign_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/campaigns/missing/send", nil, adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c := env.createCampaign(t)
	rec = env.do(t, http.MethodPost, "/api/campaigns/"+c.ID+"/send", nil, adminHeaders())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
