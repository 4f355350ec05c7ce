package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Vector-Pulse application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Mail       MailConfig
	Analytics  AnalyticsConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// TrustedProxies lists the CIDRs or IPs whose forwarding headers are
	// believed. Empty means the peer address is always the client.
	TrustedProxies []string
	// PublicURL is the externally reachable base used in tracking links.
	PublicURL string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ClickHouseConfig enables the columnar page-view store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     []string
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	JWTSecret string
	JWTIssuer string
}

type RateLimitConfig struct {
	Enabled    bool
	TrackRPS   float64
	TrackBurst int
	MgmtRPS    float64
	MgmtBurst  int
	PerIPRPS   float64
	PerIPBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// GeoConfig configures visitor geolocation.
type GeoConfig struct {
	// Provider is one of "http", "maxmind" or "none".
	Provider     string
	HTTPEndpoint string
	DatabasePath string
	Timeout      time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// MailConfig configures campaign dispatch.
type MailConfig struct {
	// Provider is "ses" or "log".
	Provider         string
	From             string
	SESRegion        string
	SESAccessKey     string
	SESSecretKey     string
	UnsubscribeURL   string
	ConfigurationSet string
}

// AnalyticsConfig tunes the reporting facade.
type AnalyticsConfig struct {
	DefaultPeriodDays int
	MaxPeriodDays     int
	CacheTTL          time.Duration
	// Timezone sets the calendar used for daily buckets.
	Timezone string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("PULSE_HTTP_ADDR", ":8080"),
			Env:             getEnv("PULSE_ENV", "development"),
			ShutdownTimeout: getDurationEnv("PULSE_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getSliceEnv("PULSE_CORS_ORIGINS", []string{"*"}),
			TrustedProxies:  getSliceEnv("PULSE_TRUSTED_PROXIES", nil),
			PublicURL:       strings.TrimRight(getEnv("PULSE_PUBLIC_URL", "http://localhost:8080"), "/"),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("PULSE_DB_ENABLED", true),
			Host:     getEnv("PULSE_DB_HOST", "localhost"),
			Port:     getIntEnv("PULSE_DB_PORT", 5432),
			User:     getEnv("PULSE_DB_USER", "pulse"),
			Password: getEnv("PULSE_DB_PASSWORD", "pulse_secret"),
			DBName:   getEnv("PULSE_DB_NAME", "pulse"),
			SSLMode:  getEnv("PULSE_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("PULSE_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("PULSE_DB_MIN_CONNS", 2),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("PULSE_CLICKHOUSE_ENABLED", false),
			Addr:     getSliceEnv("PULSE_CLICKHOUSE_ADDR", []string{"localhost:9000"}),
			Database: getEnv("PULSE_CLICKHOUSE_DB", "pulse"),
			Username: getEnv("PULSE_CLICKHOUSE_USER", "default"),
			Password: getEnv("PULSE_CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("PULSE_REDIS_ENABLED", true),
			Addr:     getEnv("PULSE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("PULSE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("PULSE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("PULSE_AUTH_ENABLED", true),
			MasterKey: getEnv("PULSE_API_KEY_MASTER", ""),
			JWTSecret: getEnv("PULSE_JWT_SECRET", ""),
			JWTIssuer: getEnv("PULSE_JWT_ISSUER", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getBoolEnv("PULSE_RATE_LIMIT_ENABLED", true),
			TrackRPS:   getFloatEnv("PULSE_RATE_LIMIT_TRACK_RPS", 500),
			TrackBurst: getIntEnv("PULSE_RATE_LIMIT_TRACK_BURST", 100),
			MgmtRPS:    getFloatEnv("PULSE_RATE_LIMIT_MGMT_RPS", 50),
			MgmtBurst:  getIntEnv("PULSE_RATE_LIMIT_MGMT_BURST", 20),
			PerIPRPS:   getFloatEnv("PULSE_RATE_LIMIT_PER_IP_RPS", 10),
			PerIPBurst: getIntEnv("PULSE_RATE_LIMIT_PER_IP_BURST", 30),
		},
		Log: LogConfig{
			Level:  getEnv("PULSE_LOG_LEVEL", "info"),
			Format: getEnv("PULSE_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("PULSE_METRICS_ENABLED", true),
			Path:      getEnv("PULSE_METRICS_PATH", "/metrics"),
			Namespace: getEnv("PULSE_METRICS_NAMESPACE", "pulse"),
		},
		Geo: GeoConfig{
			Provider:     getEnv("PULSE_GEO_PROVIDER", "http"),
			HTTPEndpoint: getEnv("PULSE_GEO_HTTP_ENDPOINT", "http://ip-api.com/json/%s?fields=status,countryCode,city"),
			DatabasePath: getEnv("PULSE_GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
			Timeout:      getDurationEnv("PULSE_GEO_TIMEOUT", 1500*time.Millisecond),
			CacheSize:    getIntEnv("PULSE_GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("PULSE_GEO_CACHE_TTL", 6*time.Hour),
		},
		Mail: MailConfig{
			Provider:         getEnv("PULSE_MAIL_PROVIDER", "log"),
			From:             getEnv("PULSE_MAIL_FROM", "newsletter@localhost"),
			SESRegion:        getEnv("PULSE_SES_REGION", "us-east-1"),
			SESAccessKey:     getEnv("PULSE_SES_ACCESS_KEY", ""),
			SESSecretKey:     getEnv("PULSE_SES_SECRET_KEY", ""),
			UnsubscribeURL:   getEnv("PULSE_UNSUBSCRIBE_URL", "http://localhost:8080/newsletter/unsubscribe"),
			ConfigurationSet: getEnv("PULSE_SES_CONFIGURATION_SET", ""),
		},
		Analytics: AnalyticsConfig{
			DefaultPeriodDays: getIntEnv("PULSE_ANALYTICS_DEFAULT_PERIOD", 7),
			MaxPeriodDays:     getIntEnv("PULSE_ANALYTICS_MAX_PERIOD", 3650),
			CacheTTL:          getDurationEnv("PULSE_ANALYTICS_CACHE_TTL", 30*time.Second),
			Timezone:          getEnv("PULSE_ANALYTICS_TZ", "Local"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("PULSE_API_KEY_MASTER or PULSE_JWT_SECRET is required when auth is enabled")
	}
	switch c.Geo.Provider {
	case "http", "maxmind", "none":
	default:
		return fmt.Errorf("PULSE_GEO_PROVIDER must be one of http, maxmind, none (got %q)", c.Geo.Provider)
	}
	switch c.Mail.Provider {
	case "ses", "log":
	default:
		return fmt.Errorf("PULSE_MAIL_PROVIDER must be ses or log (got %q)", c.Mail.Provider)
	}
	if c.Analytics.DefaultPeriodDays <= 0 || c.Analytics.DefaultPeriodDays > c.Analytics.MaxPeriodDays {
		return fmt.Errorf("PULSE_ANALYTICS_DEFAULT_PERIOD must be within 1..%d", c.Analytics.MaxPeriodDays)
	}
	if _, err := c.Analytics.Location(); err != nil {
		return fmt.Errorf("PULSE_ANALYTICS_TZ: %w", err)
	}
	if _, err := ParsePrefixes(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("PULSE_TRUSTED_PROXIES: %w", err)
	}
	return nil
}

// ParsePrefixes parses CIDRs, accepting bare addresses as single-host
// prefixes.
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Location resolves the configured reporting timezone.
func (a AnalyticsConfig) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(a.Timezone)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
