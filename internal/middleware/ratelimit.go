package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/metrics"
)

// RateLimitMiddleware implements token bucket rate limiting. Tracking routes
// (beacons, pixels, redirects) and management routes draw from separate
// buckets so dashboard traffic cannot starve ingestion.
type RateLimitMiddleware struct {
	cfg          config.RateLimitConfig
	logger       *zap.Logger
	metrics      *metrics.Metrics
	trackLimiter *rate.Limiter
	mgmtLimiter  *rate.Limiter

	// Per-IP limiters for ingestion
	mu         sync.Mutex
	ipLimiters map[string]*ipLimiter
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware creates a new rate limiting middleware.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		trackLimiter: rate.NewLimiter(rate.Limit(cfg.TrackRPS), cfg.TrackBurst),
		mgmtLimiter:  rate.NewLimiter(rate.Limit(cfg.MgmtRPS), cfg.MgmtBurst),
		ipLimiters:   make(map[string]*ipLimiter),
	}
}

// Track limits tracking routes with the shared tracking bucket.
func (rl *RateLimitMiddleware) Track(next http.Handler) http.Handler {
	return rl.limit("track", func(*http.Request) *rate.Limiter { return rl.trackLimiter }, next)
}

// Mgmt limits management routes with the shared management bucket.
func (rl *RateLimitMiddleware) Mgmt(next http.Handler) http.Handler {
	return rl.limit("mgmt", func(*http.Request) *rate.Limiter { return rl.mgmtLimiter }, next)
}

type throttledKey struct{}

// Shed draws from the tracking bucket but never rejects. Over-limit requests
// are marked so the handler can still answer while skipping its side effects;
// see Throttled.
func (rl *RateLimitMiddleware) Shed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.cfg.Enabled && !rl.trackLimiter.Allow() {
			rl.logger.Debug("tracking write shed",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)),
			)
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit("shed")
			}
			r = r.WithContext(context.WithValue(r.Context(), throttledKey{}, true))
		}
		next.ServeHTTP(w, r)
	})
}

// Throttled reports whether Shed marked the request as over the limit.
func Throttled(ctx context.Context) bool {
	v, _ := ctx.Value(throttledKey{}).(bool)
	return v
}

// PerIP applies per-client-IP limiting.
func (rl *RateLimitMiddleware) PerIP(next http.Handler) http.Handler {
	return rl.limit("ip", func(r *http.Request) *rate.Limiter { return rl.getIPLimiter(ClientIP(r)) }, next)
}

func (rl *RateLimitMiddleware) limit(scope string, pick func(*http.Request) *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !pick(r).Allow() {
			rl.logger.Warn("rate limit exceeded",
				zap.String("scope", scope),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitHit(scope)
			}
			rl.tooManyRequests(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (rl *RateLimitMiddleware) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.ipLimiters[ip]
	if !exists {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.cfg.PerIPRPS), rl.cfg.PerIPBurst)}
		rl.ipLimiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// CleanupIPLimiters drops limiters not used within idle.
func (rl *RateLimitMiddleware) CleanupIPLimiters(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for ip, entry := range rl.ipLimiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("cleaned up IP rate limiters", zap.Int("removed", removed))
	}
	return removed
}

// tooManyRequests sends a 429 response.
func (rl *RateLimitMiddleware) tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
