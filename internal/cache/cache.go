// internal/cache/cache.go
// Lookaside TTL cache in front of the aggregator and persistent store. The
// cache never owns data: a miss is answered by recomputation, never by a
// stale entry. Writes are serialized per key by the mutex; reads are shared.
package cache

import (
	"sync"
	"time"
)

// Observer receives hit/miss notifications for instrumentation.
type Observer interface {
	CacheHit()
	CacheMiss()
}

type entry[T any] struct {
	val        T
	insertedAt time.Time
	ttl        time.Duration
}

// Cache is a generic TTL lookaside map. An entry is valid strictly before
// insertedAt+ttl: a read at exactly TTL already misses.
type Cache[T any] struct {
	mu  sync.RWMutex
	m   map[string]entry[T]
	ttl time.Duration
	obs Observer
	now func() time.Time
}

// New builds a cache with a default TTL; per-entry TTLs may override it via
// SetTTL. A nil clock falls back to time.Now.
func New[T any](ttl time.Duration, obs Observer, clock func() time.Time) *Cache[T] {
	if clock == nil {
		clock = time.Now
	}
	return &Cache[T]{m: make(map[string]entry[T]), ttl: ttl, obs: obs, now: clock}
}

// Get returns the cached value when present and younger than its TTL.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.insertedAt) >= e.ttl {
		if c.obs != nil {
			c.obs.CacheMiss()
		}
		return zero, false
	}
	if c.obs != nil {
		c.obs.CacheHit()
	}
	return e.val, true
}

// Set stores v under key with the cache default TTL.
func (c *Cache[T]) Set(key string, v T) {
	c.SetTTL(key, v, c.ttl)
}

// SetTTL stores v with an explicit TTL; write-through refreshes use this so
// hour windows expire in seconds while month windows live for hours.
func (c *Cache[T]) SetTTL(key string, v T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.m[key] = entry[T]{val: v, insertedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Invalidate drops a single key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Sweep removes every entry past its TTL and returns how many were evicted.
// The coordinator calls it on the periodic sweep.
func (c *Cache[T]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for k, e := range c.m {
		if now.Sub(e.insertedAt) >= e.ttl {
			delete(c.m, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of resident entries, expired or not.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
