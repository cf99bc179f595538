// Package cache provides a TTL cache with stampede protection for generated
// insights. Concurrent misses on one key collapse into a single generator
// call via singleflight; every waiter receives that call's result.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// GenerateFunc produces the value for a missing key.
type GenerateFunc func(ctx context.Context) (string, error)

type entry struct {
	value       string
	generatedAt time.Time
}

// InsightCache memoizes generated insight answers per question key.
type InsightCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// New creates a cache whose entries expire after ttl. A non-positive ttl
// means entries never expire.
func New(ttl time.Duration) *InsightCache {
	return &InsightCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetOrGenerate returns the cached value for key, or runs generate to fill
// it. fromCache reports whether the returned value was already present.
// Under concurrent misses only one generate runs per key; the other callers
// block and share its result. Failed generations are not cached.
func (c *InsightCache) GetOrGenerate(ctx context.Context, key string, generate GenerateFunc) (value string, fromCache bool, err error) {
	if v, ok := c.get(key); ok {
		return v, true, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A racing caller may have filled the entry between the miss and
		// the singleflight slot.
		if v, ok := c.get(key); ok {
			return v, nil
		}

		v, err := generate(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.entries[key] = entry{value: v, generatedAt: c.now()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	return result.(string), false, nil
}

// Put stores a value directly, e.g. when warming from persisted insights.
func (c *InsightCache) Put(key, value string, generatedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, generatedAt: generatedAt}
}

// Get returns the cached value without triggering generation.
func (c *InsightCache) Get(key string) (string, bool) {
	return c.get(key)
}

// GeneratedAt returns when the cached value for key was produced.
func (c *InsightCache) GeneratedAt(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return time.Time{}, false
	}
	return e.generatedAt, true
}

// Invalidate removes one key.
func (c *InsightCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateAll clears the cache and returns how many entries were dropped.
func (c *InsightCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	return n
}

// Len returns the number of live (non-expired) entries.
func (c *InsightCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if !c.expired(e) {
			n++
		}
	}
	return n
}

func (c *InsightCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return "", false
	}
	return e.value, true
}

func (c *InsightCache) expired(e entry) bool {
	return c.ttl > 0 && c.now().Sub(e.generatedAt) > c.ttl
}
