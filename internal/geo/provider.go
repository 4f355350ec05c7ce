package geo

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/metrics"
)

// NewFromConfig builds the resolver selected by cfg.Provider. A non-nil rdb
// adds a shared Redis layer behind the in-process cache.
func NewFromConfig(cfg config.GeoConfig, rdb *redis.Client, m *metrics.Metrics, logger *zap.Logger) (*Resolver, error) {
	var locator Locator
	switch cfg.Provider {
	case "http":
		locator = NewHTTPLocator(cfg.HTTPEndpoint, cfg.Timeout)
	case "maxmind":
		mm, err := NewMaxMindLocator(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		locator = mm
	case "none", "":
		logger.Info("geolocation disabled")
		return NewResolver(nil, nil, 0, m, logger), nil
	default:
		return nil, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}

	var cache Cache = NewMemoryCache(cfg.CacheSize, cfg.CacheTTL)
	if rdb != nil {
		cache = NewTieredCache(cache, NewRedisCache(rdb, cfg.CacheTTL))
	}

	logger.Info("geolocation enabled",
		zap.String("provider", cfg.Provider),
		zap.Duration("timeout", cfg.Timeout),
	)
	return NewResolver(locator, cache, cfg.Timeout, m, logger), nil
}
