package geo

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/models"
)

// Location holds geographic information for an IP.
type Location struct {
	CountryCode string `json:"countryCode"`
	City        string `json:"city,omitempty"`
}

// Locator interface for IP geolocation.
type Locator interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
	Close() error
}

// Cache stores resolved locations by IP.
type Cache interface {
	Get(ctx context.Context, ip string) (*Location, bool)
	Set(ctx context.Context, ip string, loc *Location)
}

// ErrNoLocation is returned by locators that have no answer for an address.
var ErrNoLocation = errors.New("geo: no location for address")

// Resolver turns a client IP into a country/city pair. It never fails: every
// error, timeout or empty answer degrades to models.CountryUnknown.
type Resolver struct {
	locator Locator
	cache   Cache
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewResolver creates a resolver. locator and cache may be nil.
func NewResolver(locator Locator, cache Cache, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		locator: locator,
		cache:   cache,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Resolve returns the location of ip. Private and loopback addresses resolve
// to models.CountryLocal without a lookup.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	if IsPrivateIP(ip) {
		return Location{CountryCode: models.CountryLocal}
	}
	unknown := Location{CountryCode: models.CountryUnknown}
	if r == nil || r.locator == nil || ip == "" {
		return unknown
	}

	start := time.Now()
	if r.cache != nil {
		if loc, ok := r.cache.Get(ctx, ip); ok {
			r.record("hit", true, start)
			return *loc
		}
	}

	lookupCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	loc, err := r.locator.Lookup(lookupCtx, ip)
	if err != nil || loc == nil || loc.CountryCode == "" {
		if err != nil && !errors.Is(err, ErrNoLocation) {
			r.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		}
		r.record("error", false, start)
		return unknown
	}

	if r.cache != nil {
		r.cache.Set(ctx, ip, loc)
	}
	r.record("miss", false, start)
	return *loc
}

func (r *Resolver) record(outcome string, cacheHit bool, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordGeoLookup(outcome, cacheHit, time.Since(start))
	}
}

// Close releases the underlying locator.
func (r *Resolver) Close() error {
	if r == nil || r.locator == nil {
		return nil
	}
	return r.locator.Close()
}

var privateNets = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// IsPrivateIP reports whether ip is loopback, link-local or in a private
// range. "localhost" and unparseable loopback spellings count as private.
func IsPrivateIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	if ip == "localhost" || strings.HasPrefix(ip, "::ffff:127.") {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range privateNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
