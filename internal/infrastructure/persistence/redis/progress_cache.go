package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS CACHE
// Every key K has a counter gen:K. Invalidate deletes K and increments gen:K in
// one MULTI; SetIfVersion WATCHes gen:K so a fill loaded before an
// invalidation can never land after it.
// ══════════════════════════════════════════════════════════════════════════════

var errStaleVersion = errors.New("cache: version moved")

// ProgressCache implements progress.Cache on Redis behind a circuit breaker.
type ProgressCache struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
}

var _ progress.Cache = (*ProgressCache)(nil)

// NewProgressCache wraps client. onBreakerChange, when set, is told whether the
// breaker is open after every state change.
func NewProgressCache(client *redis.Client, onBreakerChange func(open bool)) *ProgressCache {
	breaker := circuitbreaker.CacheBreaker(
		func(_ string, _, to circuitbreaker.State) {
			if onBreakerChange != nil {
				onBreakerChange(to == circuitbreaker.StateOpen)
			}
		},
		func(err error) bool {
			return err != nil && !errors.Is(err, progress.ErrCacheMiss) && !errors.Is(err, errStaleVersion)
		},
	)
	return &ProgressCache{client: client, breaker: breaker}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *ProgressCache) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Ping checks if Redis is reachable.
func (c *ProgressCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get implements progress.Cache.
func (c *ProgressCache) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := c.do(ctx, "Get", func(ctx context.Context) error {
		b, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return progress.ErrCacheMiss
		}
		payload = b
		return err
	})
	return payload, err
}

// Set implements progress.Cache.
func (c *ProgressCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.do(ctx, "Set", func(ctx context.Context) error {
		return c.client.Set(ctx, key, payload, ttl).Err()
	})
}

// Invalidate implements progress.Cache.
func (c *ProgressCache) Invalidate(ctx context.Context, key string) error {
	return c.do(ctx, "Invalidate", func(ctx context.Context) error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			invalidate(ctx, pipe, key)
			return nil
		})
		return err
	})
}

// InvalidatePrefix implements progress.Cache. Keys are found with SCAN, so
// the flush does not block the server.
func (c *ProgressCache) InvalidatePrefix(ctx context.Context, prefix string) error {
	return c.do(ctx, "InvalidatePrefix", func(ctx context.Context) error {
		iter := c.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
		var keys []string
		flush := func() error {
			if len(keys) == 0 {
				return nil
			}
			_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, k := range keys {
					invalidate(ctx, pipe, k)
				}
				return nil
			})
			keys = keys[:0]
			return err
		}

		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
			if len(keys) >= scanBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		return flush()
	})
}

// Version implements progress.Cache.
func (c *ProgressCache) Version(ctx context.Context, key string) (uint64, error) {
	var version uint64
	err := c.do(ctx, "Version", func(ctx context.Context) error {
		v, err := readVersion(ctx, c.client, key)
		version = v
		return err
	})
	return version, err
}

// SetIfVersion implements progress.Cache.
func (c *ProgressCache) SetIfVersion(ctx context.Context, key string, payload []byte, ttl time.Duration, version uint64) (bool, error) {
	err := c.do(ctx, "SetIfVersion", func(ctx context.Context) error {
		return c.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readVersion(ctx, tx, key)
			if err != nil {
				return err
			}
			if current != version {
				return errStaleVersion
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				return nil
			})
			if errors.Is(err, redis.TxFailedErr) {
				return errStaleVersion
			}
			return err
		}, GenerationKey(key))
	})
	if errors.Is(err, errStaleVersion) {
		return false, nil
	}
	return err == nil, err
}

// do runs fn through the breaker and tags backend failures.
func (c *ProgressCache) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	switch {
	case err == nil, errors.Is(err, progress.ErrCacheMiss), errors.Is(err, errStaleVersion):
		return err
	default:
		return shared.WrapError("cache", op, shared.ErrCacheUnavailable, "redis unavailable", err)
	}
}

func invalidate(ctx context.Context, pipe redis.Pipeliner, key string) {
	gen := GenerationKey(key)
	pipe.Del(ctx, key)
	pipe.Incr(ctx, gen)
	pipe.Expire(ctx, gen, TTLGeneration)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readVersion(ctx context.Context, r getter, key string) (uint64, error) {
	s, err := r.Get(ctx, GenerationKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}
