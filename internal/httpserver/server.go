package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/analytics"
	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/database"
	"github.com/radiusdt/vector-pulse/internal/geo"
	"github.com/radiusdt/vector-pulse/internal/mailing"
	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/middleware"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
	"github.com/radiusdt/vector-pulse/internal/tracking"
)

// Upstream proxies that resolve the visitor location for us.
var (
	countryHeaders = []string{"CF-IPCountry", "X-Country-Code", "X-Vercel-IP-Country"}
	cityHeaders    = []string{"CF-IPCity", "X-Vercel-IP-City"}
)

const maxBodyBytes = 1 << 20

// Dependencies holds all external dependencies for the server. Nil
// connections select the in-memory stores; nil overrides are built from
// Config.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Optional overrides
	Events      storage.EventStore
	Subscribers storage.SubscriberSource
	Geo         tracking.GeoResolver
	Dispatcher  mailing.Dispatcher
	Gatherer    prometheus.Gatherer
}

// Server wraps HTTP handlers and analytics services.
type Server struct {
	router    chi.Router
	tracking  *tracking.Service
	reporting *analytics.ReportingService
	sender    *mailing.Sender
	campaigns storage.CampaignStore
	rateLimit *middleware.RateLimitMiddleware
	closers   []func() error

	db      *database.PostgresDB
	redis   *database.RedisDB
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics
}

// NewServer wires the stores and services and registers all routes.
func NewServer(deps *Dependencies) *Server {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Initialize stores
	var (
		events      storage.EventStore
		campaigns   storage.CampaignStore
		subscribers storage.SubscriberSource
	)
	if deps.DB != nil {
		events = storage.NewPostgresEventStore(deps.DB.Pool)
		campaigns = storage.NewPostgresCampaignStore(deps.DB.Pool)
		subscribers = storage.NewPostgresSubscriberSource(deps.DB.Pool)
	} else {
		events = storage.NewInMemoryEventStore()
		campaigns = storage.NewInMemoryCampaignStore()
		subscribers = storage.NewInMemorySubscriberSource()
	}
	if deps.Events != nil {
		events = deps.Events
	}
	if deps.Subscribers != nil {
		subscribers = deps.Subscribers
	}

	s := &Server{
		campaigns: campaigns,
		db:        deps.DB,
		redis:     deps.Redis,
		logger:    logger,
		config:    cfg,
		metrics:   deps.Metrics,
	}

	var rdb *redis.Client
	if deps.Redis != nil {
		rdb = deps.Redis.Client
	}

	// Initialize geolocation
	resolver := deps.Geo
	if resolver == nil {
		r, err := geo.NewFromConfig(cfg.Geo, rdb, deps.Metrics, logger)
		if err != nil {
			logger.Warn("failed to initialize geo provider, locations will be Unknown", zap.Error(err))
			r = geo.NewResolver(nil, nil, 0, deps.Metrics, logger)
		}
		s.closers = append(s.closers, r.Close)
		resolver = r
	}

	// Initialize mail dispatch
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		d, err := mailing.NewDispatcher(context.Background(), cfg.Mail, logger)
		if err != nil {
			logger.Warn("failed to initialize mail provider, falling back to log dispatcher", zap.Error(err))
			d = mailing.NewLogDispatcher(logger)
		}
		dispatcher = d
	}

	loc, err := cfg.Analytics.Location()
	if err != nil {
		loc = time.UTC
	}

	// Initialize services
	s.tracking = tracking.NewService(events, campaigns, resolver, deps.Metrics, logger)
	agg := analytics.NewAggregator(events, loc, cfg.Analytics.MaxPeriodDays)
	s.reporting = analytics.NewReportingService(agg, campaigns, rdb, cfg.Analytics.CacheTTL, deps.Metrics, logger)
	s.sender = mailing.NewSender(
		campaigns,
		subscribers,
		dispatcher,
		mailing.NewRenderer(),
		mailing.NewLinkBuilder(cfg.Server.PublicURL, cfg.Mail.UnsubscribeURL),
		deps.Metrics,
		logger,
	)

	s.routes(deps)
	return s
}

func (s *Server) routes(deps *Dependencies) {
	cfg := s.config
	r := chi.NewRouter()

	// RealIP -> Recovery -> Logging -> CORS -> (per group) RateLimit -> Auth -> Handler
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRealIP(s.trustedProxies()).Handler)
	r.Use(middleware.NewRecoveryMiddleware(s.logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(s.logger, s.metrics).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.AuthHeaderName},
		MaxAge:         300,
	}))

	s.rateLimit = middleware.NewRateLimitMiddleware(cfg.RateLimit, s.logger, s.metrics)
	auth := middleware.NewAuthMiddleware(cfg.Auth, s.logger)

	// Health check
	r.Get("/health", s.handleHealth)

	// Prometheus metrics
	if cfg.Metrics.Enabled {
		if deps.Gatherer != nil {
			r.Handle(cfg.Metrics.Path, metrics.HandlerFor(deps.Gatherer))
		} else {
			r.Handle(cfg.Metrics.Path, metrics.Handler())
		}
	}

	// Email engagement. The pixel and redirect are always served; only the
	// tracking write is shed under load.
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit.Shed)
		r.Get("/track/open/{campaignID}/{subscriberID}", s.handleOpenPixel)
		r.Get("/track/click", s.handleClick)
	})

	r.Route("/api", func(r chi.Router) {
		// Page-view ingestion
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit.Track)
			r.Use(s.rateLimit.PerIP)
			r.Post("/analytics/track", s.handleTrackPageView)
			r.Put("/analytics/track/{id}/time", s.handleUpdateTimeSpent)
		})

		// Dashboard and campaign management
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit.Mgmt)
			r.Use(auth.Protect)

			r.Get("/analytics/stats", s.handleStats)
			r.Get("/analytics/daily", s.handleDaily)
			r.Get("/analytics/dashboard", s.handleDashboard)

			r.Post("/campaigns", s.handleCreateCampaign)
			r.Get("/campaigns", s.handleListCampaigns)
			r.Get("/campaigns/{id}", s.handleGetCampaign)
			r.Get("/campaigns/{id}/report", s.handleCampaignReport)
			r.Post("/campaigns/{id}/send", s.handleSendCampaign)
		})
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RunMaintenance prunes idle per-IP limiters until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rateLimit.CleanupIPLimiters(every)
		case <-ctx.Done():
			return
		}
	}
}

// trustedProxies parses the configured proxy list. Config validation has
// normally rejected bad entries already; if not, no proxy is trusted.
func (s *Server) trustedProxies() []netip.Prefix {
	prefixes, err := config.ParsePrefixes(s.config.Server.TrustedProxies)
	if err != nil {
		s.logger.Warn("invalid trusted proxy list, forwarding headers ignored", zap.Error(err))
		return nil
	}
	return prefixes
}

// Close releases resources owned by the server.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK

	if s.db != nil {
		checks["postgres"] = "ok"
		if err := s.db.Health(ctx); err != nil {
			checks["postgres"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		s.db.ReportStats(s.metrics)
	}
	if s.redis != nil {
		checks["redis"] = "ok"
		if err := s.redis.Health(ctx); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{"status": overall, "checks": checks})
}

// ---- Page Views ----

type trackRequest struct {
	PageLabel string `json:"pageLabel"`
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
	Referrer  string `json:"referrer"`
}

func (s *Server) handleTrackPageView(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.tracking.RecordPageView(r.Context(), models.PageViewInput{
		PageLabel:  req.PageLabel,
		Path:       req.Path,
		SubjectKey: req.SessionID,
		Referrer:   req.Referrer,
		UserAgent:  r.UserAgent(),
		SourceIP:   middleware.ClientIP(r),
		GeoCountry: firstHeader(r, countryHeaders),
		GeoCity:    firstHeader(r, cityHeaders),
	})
	if err != nil {
		s.errorFrom(w, "failed to record page view", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type timeSpentRequest struct {
	TimeSpent *int64 `json:"timeSpent"`
}

func (s *Server) handleUpdateTimeSpent(w http.ResponseWriter, r *http.Request) {
	var req timeSpentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TimeSpent == nil {
		s.errorFrom(w, "", apperr.Missing("timeSpent"))
		return
	}

	if err := s.tracking.RecordDwellTime(r.Context(), chi.URLParam(r, "id"), *req.TimeSpent); err != nil {
		s.errorFrom(w, "failed to update time spent", err)
		return
	}
	if err := s.reporting.Invalidate(r.Context()); err != nil {
		s.logger.Warn("failed to invalidate report cache", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- Analytics ----

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, ok := s.period(w, r)
	if !ok {
		return
	}
	stats, err := s.reporting.Stats(r.Context(), days)
	if err != nil {
		s.errorFrom(w, "failed to compute stats", err)
		return
	}
	s.jsonResponse(w, stats)
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	days, ok := s.period(w, r)
	if !ok {
		return
	}
	series, err := s.reporting.Series(r.Context(), days)
	if err != nil {
		s.errorFrom(w, "failed to compute daily series", err)
		return
	}
	s.jsonResponse(w, series)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	days, ok := s.period(w, r)
	if !ok {
		return
	}
	dash, err := s.reporting.Dashboard(r.Context(), days)
	if err != nil {
		s.errorFrom(w, "failed to compute dashboard", err)
		return
	}
	s.jsonResponse(w, dash)
}

// period parses ?period=N, defaulting to the configured window.
func (s *Server) period(w http.ResponseWriter, r *http.Request) (int, bool) {
	days := s.config.Analytics.DefaultPeriodDays
	if raw := r.URL.Query().Get("period"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.errorFrom(w, "", apperr.Invalid("period", "must be an integer"))
			return 0, false
		}
		days = n
	}
	if err := s.reporting.ValidatePeriod(days); err != nil {
		s.errorFrom(w, "", err)
		return 0, false
	}
	return days, true
}

// ---- Email Engagement ----

func (s *Server) handleOpenPixel(w http.ResponseWriter, r *http.Request) {
	if !middleware.Throttled(r.Context()) {
		s.tracking.RecordOpen(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "subscriberID"))
	}

	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(tracking.TransparentPixel)))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tracking.TransparentPixel)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" {
		s.errorResponse(w, "url is required", http.StatusBadRequest)
		return
	}

	var (
		redirect string
		err      error
	)
	if middleware.Throttled(r.Context()) {
		redirect, err = tracking.NormalizeTargetURL(target)
	} else {
		redirect, err = s.tracking.RecordClick(r.Context(), q.Get("cid"), q.Get("sid"), target)
	}
	if err != nil {
		s.errorFrom(w, "", err)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// ---- Campaigns ----

type createCampaignRequest struct {
	Subject  string `json:"subject"`
	Title    string `json:"title"`
	BodyHTML string `json:"bodyHtml"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	c := &models.Campaign{
		ID:        uuid.NewString(),
		Subject:   strings.TrimSpace(req.Subject),
		Title:     strings.TrimSpace(req.Title),
		BodyHTML:  req.BodyHTML,
		Status:    models.CampaignDraft,
		OpenedBy:  []string{},
		ClickedBy: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.campaigns.Create(r.Context(), c); err != nil {
		s.errorFrom(w, "failed to create campaign", err)
		return
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("subject", c.Subject),
		zap.String("principal", principalName(r)),
	)
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := s.campaigns.List(r.Context())
	if err != nil {
		s.errorFrom(w, "failed to list campaigns", err)
		return
	}
	s.jsonResponse(w, list)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorFrom(w, "failed to get campaign", err)
		return
	}
	s.jsonResponse(w, c)
}

func (s *Server) handleCampaignReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reporting.CampaignReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorFrom(w, "failed to build campaign report", err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// A send that started must reach a terminal status even if the caller
	// goes away.
	ctx := context.WithoutCancel(r.Context())

	report, err := s.sender.SendCampaign(ctx, id)
	if err != nil {
		s.errorFrom(w, "failed to send campaign", err)
		return
	}

	s.logger.Info("campaign send requested",
		zap.String("campaign_id", id),
		zap.String("principal", principalName(r)),
		zap.Int("succeeded", report.Succeeded),
	)
	s.jsonResponse(w, report)
}

// ---- Helper Methods ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// errorFrom maps an error kind to a status. Unclassified errors are logged
// and reported with the generic message only.
func (s *Server) errorFrom(w http.ResponseWriter, message string, err error) {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  verr.Error(),
			"fields": verr.Fields,
		})
	case errors.Is(err, apperr.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, apperr.ErrConflict):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperr.ErrInvalidState):
		s.errorResponse(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		if message == "" {
			message = "internal error"
		}
		s.logger.Error(message, zap.Error(err))
		s.errorResponse(w, message, http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func principalName(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return p.Subject
	}
	return ""
}
