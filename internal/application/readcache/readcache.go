// Package readcache wraps a progress.Cache backend with the degrade-to-miss
// policy of the read path: backend failures are logged and counted, never
// returned.
package readcache

import (
	"context"
	"errors"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/metrics"
	"github.com/tradeacademy/progress-engine/pkg/logger"
)

// DefaultTTL is how long a dashboard payload may be served from cache.
const DefaultTTL = 300 * time.Second

// KeyPrefix is shared by every key the engine writes.
const KeyPrefix = "progress:"

// DashboardKey returns the cache key of a user's dashboard payload.
func DashboardKey(userID string) string {
	return KeyPrefix + "user:" + userID + ":dashboard"
}

// ReadCache is the read cache used by queries and commands.
type ReadCache struct {
	backend progress.Cache
	ttl     time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates a ReadCache. A nil backend behaves as a pass-through cache.
func New(backend progress.Cache, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *ReadCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ReadCache{
		backend: backend,
		ttl:     ttl,
		log:     log.With(logger.Component("read_cache")),
		metrics: m,
	}
}

// TTL returns the entry lifetime.
func (c *ReadCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached payload. ok is false on a miss or backend failure.
func (c *ReadCache) Get(ctx context.Context, key string) (payload []byte, ok bool) {
	if c.backend == nil {
		c.metrics.CacheLookup(metrics.CacheMiss)
		return nil, false
	}

	payload, err := c.backend.Get(ctx, key)
	switch {
	case err == nil:
		c.metrics.CacheLookup(metrics.CacheHit)
		return payload, true
	case errors.Is(err, progress.ErrCacheMiss):
		c.metrics.CacheLookup(metrics.CacheMiss)
	default:
		c.metrics.CacheLookup(metrics.CacheError)
		c.degraded("get", key, err)
	}
	return nil, false
}

// Version returns the key's version for a later Fill. ok is false when the
// backend is unavailable, in which case the caller should skip Fill.
func (c *ReadCache) Version(ctx context.Context, key string) (version uint64, ok bool) {
	if c.backend == nil {
		return 0, false
	}
	v, err := c.backend.Version(ctx, key)
	if err != nil {
		c.degraded("version", key, err)
		return 0, false
	}
	return v, true
}

// Fill stores payload unless the key was invalidated after version was read.
func (c *ReadCache) Fill(ctx context.Context, key string, payload []byte, version uint64) {
	if c.backend == nil {
		return
	}
	stored, err := c.backend.SetIfVersion(ctx, key, payload, c.ttl, version)
	if err != nil {
		c.degraded("set", key, err)
		return
	}
	if !stored {
		c.log.Debug("skipped cache fill after concurrent invalidation", logger.CacheKey(key))
	}
}

// Invalidate drops a key. The returned error is informational only: the write
// that triggered it has already committed, and the entry expires within TTL.
func (c *ReadCache) Invalidate(ctx context.Context, key string) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Invalidate(ctx, key); err != nil {
		c.metrics.CacheInvalidated(false)
		c.degraded("invalidate", key, err)
		return shared.WrapError("cache", "Invalidate", shared.ErrCacheUnavailable, "invalidation failed", err)
	}
	c.metrics.CacheInvalidated(true)
	return nil
}

// InvalidateUser drops every cached payload of a user.
func (c *ReadCache) InvalidateUser(ctx context.Context, userID string) error {
	return c.Invalidate(ctx, DashboardKey(userID))
}

// InvalidateAll drops every key the engine owns.
func (c *ReadCache) InvalidateAll(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.InvalidatePrefix(ctx, KeyPrefix); err != nil {
		c.metrics.CacheInvalidated(false)
		c.degraded("invalidate_prefix", KeyPrefix, err)
		return shared.WrapError("cache", "InvalidatePrefix", shared.ErrCacheUnavailable, "invalidation failed", err)
	}
	c.metrics.CacheInvalidated(true)
	return nil
}

func (c *ReadCache) degraded(op, key string, err error) {
	c.log.Warn("read cache unavailable, serving without cache",
		logger.Operation(op), logger.CacheKey(key), logger.Err(err))
}
