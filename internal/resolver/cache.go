package resolver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a resolution stays reusable. Upstream
// stream URLs are signed with expiries of a few hours, so anything older
// must be re-resolved.
const DefaultCacheTTL = 2 * time.Hour

// Cache is the short-TTL resolution cache. It is a latency optimization only;
// both implementations silently degrade on failure.
type Cache interface {
	Get(ctx context.Context, sourceURL string) (*ResolvedMedia, bool)
	Set(ctx context.Context, sourceURL string, media *ResolvedMedia)
}

type memoryEntry struct {
	media  *ResolvedMedia
	stored time.Time
}

// MemoryCache is the in-process Cache used when no Redis endpoint is
// configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

// NewMemoryCache returns an empty in-process cache. ttl <= 0 selects
// DefaultCacheTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: ttl}
}

// Get implements Cache.Get.
func (c *MemoryCache) Get(_ context.Context, sourceURL string) (*ResolvedMedia, bool) {
	c.mu.RLock()
	entry, ok := c.entries[sourceURL]
	c.mu.RUnlock()
	if !ok || time.Since(entry.stored) > c.ttl {
		return nil, false
	}
	return entry.media, true
}

// Set implements Cache.Set.
func (c *MemoryCache) Set(_ context.Context, sourceURL string, media *ResolvedMedia) {
	c.mu.Lock()
	c.entries[sourceURL] = memoryEntry{media: media, stored: time.Now()}
	c.mu.Unlock()
}

// RedisCache stores resolutions in Redis so multiple instances share them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr and returns a RedisCache, or nil when the
// endpoint does not answer a ping — callers then fall back to MemoryCache.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, sourceURL string) (*ResolvedMedia, bool) {
	val, err := c.client.Get(ctx, cacheKey(sourceURL)).Result()
	if err != nil {
		return nil, false
	}
	var media ResolvedMedia
	if err := json.Unmarshal([]byte(val), &media); err != nil {
		return nil, false
	}
	return &media, true
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, sourceURL string, media *ResolvedMedia) {
	data, err := json.Marshal(media)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(sourceURL), data, c.ttl).Err()
}

func cacheKey(sourceURL string) string {
	return "resolve:" + sourceURL
}
