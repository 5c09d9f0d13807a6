// Package cache provides the node result cache shared across runs of one engine.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
)

// InMemoryCache provides a thread-safe in-memory cache with optional TTL and
// entry bound. It implements dagengine.Cache.
type InMemoryCache struct {
	store      map[string]cacheItem
	mutex      sync.RWMutex
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger

	stats Stats

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type cacheItem struct {
	value      any
	insertedAt int64
	expiration int64 // 0 means never
}

// Stats counts cache traffic since creation or the last Clear.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Option configures an InMemoryCache.
type Option func(*InMemoryCache)

// WithTTL expires entries ttl after they were set. Zero keeps entries for the
// life of the cache.
func WithTTL(ttl time.Duration) Option {
	return func(c *InMemoryCache) {
		c.ttl = ttl
	}
}

// WithMaxEntries bounds the cache; the oldest entry is evicted to make room.
// Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(c *InMemoryCache) {
		c.maxEntries = n
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *InMemoryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCleanupInterval sets how often expired entries are swept. It only matters
// when a TTL is set.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *InMemoryCache) {
		c.cleanupInterval = d
	}
}

// NewInMemoryCache creates a new in-memory cache.
func NewInMemoryCache(opts ...Option) *InMemoryCache {
	c := &InMemoryCache{
		store:           make(map[string]cacheItem),
		logger:          slog.Default(),
		cleanupInterval: 10 * time.Minute,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 && c.cleanupInterval > 0 {
		go c.cleanupLoop(c.cleanupInterval)
	}
	return c
}

// Get retrieves an item from the cache. Misses and expired items return a
// not-found error.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, found := c.store[key]
	if !found {
		c.stats.Misses++
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		// Lazy cleanup
		delete(c.store, key)
		c.stats.Misses++
		c.logger.Debug("Cache item expired", "key", key)
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	c.stats.Hits++
	return item.value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now().UnixNano()
	if _, exists := c.store[key]; !exists && c.maxEntries > 0 && len(c.store) >= c.maxEntries {
		c.evictOldestLocked()
	}

	item := cacheItem{value: value, insertedAt: now}
	if c.ttl > 0 {
		item.expiration = now + int64(c.ttl)
	}
	c.store[key] = item
	c.logger.Debug("Cache item set", "key", key)
	return nil
}

func (c *InMemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest int64
	for k, item := range c.store {
		if oldestKey == "" || item.insertedAt < oldest {
			oldestKey, oldest = k, item.insertedAt
		}
	}
	if oldestKey != "" {
		delete(c.store, oldestKey)
		c.stats.Evictions++
		c.logger.Debug("Cache item evicted", "key", oldestKey)
	}
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Stats returns a snapshot of the cache counters.
func (c *InMemoryCache) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	s := c.stats
	s.Entries = len(c.store)
	return s
}

// Clear drops every entry and resets the counters.
func (c *InMemoryCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.store = make(map[string]cacheItem)
	c.stats = Stats{}
}

// Close stops the background cleanup goroutine.
func (c *InMemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop periodically removes expired items.
func (c *InMemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := time.Now().UnixNano()
	for key, item := range c.store {
		if item.expiration > 0 && now > item.expiration {
			delete(c.store, key)
		}
	}
}
