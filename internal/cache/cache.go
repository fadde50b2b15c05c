// Package cache wraps a fetch function with a caching policy over the
// persistence layer's cache collection.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hybrid-sync-service/internal/logger"
	"hybrid-sync-service/internal/store"
)

// Strategy names a caching policy.
type Strategy string

const (
	// NetworkFirst tries the fetcher, falls back to cache on failure, and
	// refreshes the cache on success.
	NetworkFirst Strategy = "network_first"
	// CacheFirst returns a fresh cached value immediately, fetching only
	// on a miss.
	CacheFirst Strategy = "cache_first"
	// StaleWhileRevalidate returns any cached value immediately and
	// refreshes it in the background regardless.
	StaleWhileRevalidate Strategy = "stale_while_revalidate"
)

// Fetcher produces the value for a key when the cache cannot.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

// Cache applies a strategy to (key, fetcher, ttl) lookups. Entries expire
// by timestamp; expired entries purge lazily on read and in Sweep.
type Cache struct {
	local      *store.Persistence
	defaultTTL time.Duration
	now        func() time.Time

	// background refresh timeout for stale-while-revalidate
	refreshTimeout time.Duration
}

func New(local *store.Persistence, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		local:          local,
		defaultTTL:     defaultTTL,
		now:            time.Now,
		refreshTimeout: 30 * time.Second,
	}
}

// Fetch resolves key under the given strategy. A zero ttl means the default.
func (c *Cache) Fetch(ctx context.Context, key string, strategy Strategy, ttl time.Duration, fetch Fetcher) (json.RawMessage, error) {
	return c.FetchTyped(ctx, "", key, strategy, ttl, fetch)
}

// FetchTyped is Fetch with the entry tagged by entity type, so a remote pull
// for that type can invalidate it.
func (c *Cache) FetchTyped(ctx context.Context, entityType, key string, strategy Strategy, ttl time.Duration, fetch Fetcher) (json.RawMessage, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	switch strategy {
	case CacheFirst:
		return c.cacheFirst(ctx, entityType, key, ttl, fetch)
	case StaleWhileRevalidate:
		return c.staleWhileRevalidate(ctx, entityType, key, ttl, fetch)
	case NetworkFirst:
		return c.networkFirst(ctx, entityType, key, ttl, fetch)
	default:
		return nil, fmt.Errorf("unknown cache strategy %q", strategy)
	}
}

// Sweep removes every expired entry.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.local.CacheSweep(ctx)
}

func (c *Cache) networkFirst(ctx context.Context, entityType, key string, ttl time.Duration, fetch Fetcher) (json.RawMessage, error) {
	data, err := fetch(ctx)
	if err == nil {
		c.put(ctx, entityType, key, data, ttl)
		return data, nil
	}

	entry, cacheErr := c.local.CacheGet(ctx, key)
	if cacheErr == nil && entry != nil {
		logger.Log.Debug("Serving cached value after fetch failure",
			zap.String("key", key),
			zap.Error(err),
		)
		return entry.Data, nil
	}
	return nil, err
}

func (c *Cache) cacheFirst(ctx context.Context, entityType, key string, ttl time.Duration, fetch Fetcher) (json.RawMessage, error) {
	entry, err := c.local.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry.Data, nil
	}

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.put(ctx, entityType, key, data, ttl)
	return data, nil
}

func (c *Cache) staleWhileRevalidate(ctx context.Context, entityType, key string, ttl time.Duration, fetch Fetcher) (json.RawMessage, error) {
	entry, err := c.local.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.put(ctx, entityType, key, data, ttl)
		return data, nil
	}

	go func() {
		bg, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()
		data, err := fetch(bg)
		if err != nil {
			logger.Log.Debug("Background revalidation failed",
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
		c.put(bg, entityType, key, data, ttl)
	}()
	return entry.Data, nil
}

func (c *Cache) put(ctx context.Context, entityType, key string, data json.RawMessage, ttl time.Duration) {
	now := c.now().UTC()
	err := c.local.CachePut(ctx, &store.CacheEntry{
		Key:        key,
		Data:       data,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		EntityType: entityType,
	})
	if err != nil {
		logger.Log.Warn("Failed to store cache entry",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
