package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry wraps a cached value with its insertion time and per-entry TTL.
// A zero TTL means the entry never expires.
type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
}

// Cache is a bounded LRU cache with per-entry TTL expiry. Expired entries
// are dropped on access and by Sweep; capacity overflow evicts the least
// recently used entry.
type Cache[V any] struct {
	lru        *lru.Cache[string, *entry[V]]
	capacity   int
	defaultTTL time.Duration

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// New creates a cache bounded to maxSize entries. Entries stored with Set
// use defaultTTL; SetTTL overrides it per entry.
func New[V any](maxSize int, defaultTTL time.Duration) (*Cache[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxSize)
	}

	c := &Cache[V]{
		capacity:   maxSize,
		defaultTTL: defaultTTL,
	}

	inner, err := lru.NewWithEvict[string, *entry[V]](maxSize, func(string, *entry[V]) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	c.lru = inner

	return c, nil
}

// Get returns the value for key if present and unexpired. An expired entry
// is removed and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	if e.expired(time.Now()) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with an explicit TTL. Updating an existing
// key replaces the value, restarts its TTL, and moves it to most recently
// used without changing the cache size.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.lru.Add(key, &entry[V]{
		value:      value,
		insertedAt: time.Now(),
		ttl:        ttl,
	})
}

// Delete removes key, reporting whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	return c.lru.Remove(key)
}

// Len returns the number of stored entries, including any not yet swept
// expired ones.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Keys returns keys ordered most to least recently used.
func (c *Cache[V]) Keys() []string {
	keys := c.lru.Keys() // oldest first
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

// Sweep removes every entry expired as of now and returns how many were
// dropped.
func (c *Cache[V]) Sweep(now time.Time) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if e.expired(now) {
			c.lru.Remove(key)
			c.expirations.Add(1)
			removed++
		}
	}
	return removed
}

// Purge drops all entries. Counters are preserved; use ResetMetrics to
// clear them.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache[V]) Metrics() Metrics {
	return Metrics{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Size:        c.lru.Len(),
		Capacity:    c.capacity,
	}
}

// ResetMetrics zeroes the hit/miss/eviction counters.
func (c *Cache[V]) ResetMetrics() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
}
