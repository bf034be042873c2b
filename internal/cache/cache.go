// Package cache wraps Redis with JSON value handling, TTLs and tenant-wide
// pattern invalidation. Callers treat cache failures as misses; the cache
// never becomes a hard dependency of a read path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/metrics"
)

// Cache is a named Redis-backed cache. The name labels metrics and log
// lines; multiple caches may share one client under different key
// namespaces.
type Cache struct {
	name    string
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time hit/miss snapshot.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// New creates a named cache on the given client. metrics may be nil.
func New(name string, client *redis.Client, logger *zap.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		name:    name,
		client:  client,
		logger:  logger.Named("cache").With(zap.String("cache", name)),
		metrics: m,
	}
}

// GetJSON loads key into dst, reporting whether it was present.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.miss()
		return false, nil
	}
	if err != nil {
		c.miss()
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// A corrupt entry is unreadable; drop it so the next write heals.
		c.client.Del(ctx, key)
		c.miss()
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	c.hit()
	return true, nil
}

// SetJSON stores val under key with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern, returning the
// number deleted. Uses SCAN so large keyspaces do not block the server.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete %s: %w", pattern, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if deleted > 0 {
		c.logger.Debug("invalidated keys", zap.String("pattern", pattern), zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// Ping verifies connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Stats returns the hit/miss counters accumulated since construction.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(c.name).Inc()
	}
}

func (c *Cache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(c.name).Inc()
	}
}
