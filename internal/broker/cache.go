// cache.go provides a small TTL cache used by adapters to absorb repeated
// reads (product lists, balances, candles) inside one scan cycle without
// spending rate-limit tokens.
package broker

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// TTLCache is a mutex-guarded map with per-entry expiry. Zero value is not
// usable; create with NewTTLCache.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewTTLCache() *TTLCache {
	return &TTLCache{entries: make(map[string]cacheEntry)}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *TTLCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}

// Invalidate drops key immediately. Adapters call this after a fill so the
// next balance read hits the venue.
func (c *TTLCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// GetOrFill returns the cached value or runs fill once and caches its result.
// Concurrent callers for the same key may race the fill; the last write wins,
// which is fine for idempotent venue reads.
func (c *TTLCache) GetOrFill(key string, ttl time.Duration, fill func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fill()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}
