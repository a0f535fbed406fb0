// Package lookupcache is an in-memory TTL cache with negative entries and
// singleflight loading, used to keep address book lookups off the database
// while a batch of messages is filtered.
package lookupcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	found     bool
	createdAt time.Time
	expiresAt time.Time
}

// LoadFunc fetches the value for a key. found=false results are cached with
// the negative TTL.
type LoadFunc[V any] func(ctx context.Context) (value V, found bool, err error)

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	mu          sync.RWMutex
	entries     map[string]*entry[V]
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int

	sfGroup singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
	stopOnce       sync.Once

	now func() time.Time
}

// New creates a cache and starts its cleanup loop. Call Stop to end it.
func New[V any](positiveTTL, negativeTTL time.Duration, maxSize int, cleanupInterval time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	c := &Cache[V]{
		entries:        make(map[string]*entry[V]),
		positiveTTL:    positiveTTL,
		negativeTTL:    negativeTTL,
		maxSize:        maxSize,
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
		now:            time.Now,
	}

	go c.cleanupLoop(cleanupInterval)

	logger.Debug("LookupCache: initialized", "positive_ttl", positiveTTL,
		"negative_ttl", negativeTTL, "max_size", maxSize, "cleanup_interval", cleanupInterval)
	return c
}

// Get returns the cached value. ok is false on a miss or an expired entry;
// found reports whether the cached lookup had a result.
func (c *Cache[V]) Get(key string) (value V, found bool, ok bool) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists || c.now().After(e.expiresAt) {
		c.misses.Add(1)
		metrics.LookupCacheMissesTotal.Inc()
		return value, false, false
	}

	c.hits.Add(1)
	metrics.LookupCacheHitsTotal.Inc()
	return e.value, e.found, true
}

// Set stores a lookup result.
func (c *Cache[V]) Set(key string, value V, found bool) {
	ttl := c.positiveTTL
	if !found {
		ttl = c.negativeTTL
	}
	if ttl <= 0 {
		return
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry[V]{value: value, found: found, createdAt: now, expiresAt: now.Add(ttl)}
}

// GetOrLoad returns the cached value or loads it. Concurrent loads of the
// same key share one call to load.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, bool, error) {
	if value, found, ok := c.Get(key); ok {
		return value, found, nil
	}

	type result struct {
		value V
		found bool
	}
	res, err, shared := c.sfGroup.Do(key, func() (any, error) {
		value, found, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, found)
		return result{value: value, found: found}, nil
	})
	if shared {
		metrics.LookupCacheSharedFetchesTotal.Inc()
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	r := res.(result)
	return r.value, r.found, nil
}

// Invalidate drops a key, e.g. after a contact was created for it.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.sfGroup.Forget(key)
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry[V])
	c.mu.Unlock()
}

// GetStats returns hit/miss counters and the current size.
func (c *Cache[V]) GetStats() (hits, misses uint64, size int) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), size
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (c *Cache[V]) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictOldest must be called with the write lock held.
func (c *Cache[V]) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldest) {
			oldestKey, oldest = k, e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache[V]) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupStopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache[V]) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
