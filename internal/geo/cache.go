package geo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCache is an in-process TTL cache with FIFO-ish eviction at capacity.
type MemoryCache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	loc       Location
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries for ttl.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &MemoryCache{
		data:    make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, ip string) (*Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		return nil, false
	}

	loc := entry.loc
	return &loc, true
}

func (c *MemoryCache) Set(ctx context.Context, ip string, loc *Location) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict if at capacity
	if _, exists := c.data[ip]; !exists && len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = &cacheEntry{
		loc:       *loc,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// RedisCache shares resolved locations between instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed location cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "pulse:geo:",
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (*Location, bool) {
	raw, err := c.client.Get(ctx, c.prefix+ip).Bytes()
	if err != nil {
		return nil, false
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, false
	}
	return &loc, true
}

func (c *RedisCache) Set(ctx context.Context, ip string, loc *Location) {
	raw, err := json.Marshal(loc)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+ip, raw, c.ttl)
}

// TieredCache checks the local cache before the shared one.
type TieredCache struct {
	local  Cache
	shared Cache
}

// NewTieredCache layers local in front of shared.
func NewTieredCache(local, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, ip string) (*Location, bool) {
	if loc, ok := c.local.Get(ctx, ip); ok {
		return loc, true
	}
	loc, ok := c.shared.Get(ctx, ip)
	if ok {
		c.local.Set(ctx, ip, loc)
	}
	return loc, ok
}

func (c *TieredCache) Set(ctx context.Context, ip string, loc *Location) {
	c.local.Set(ctx, ip, loc)
	c.shared.Set(ctx, ip, loc)
}
