package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
)

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

type versionEntry struct {
	n       uint64
	touched time.Time
}

// minVersionIdle is the shortest time a version counter outlives its last use.
const minVersionIdle = time.Minute

// Cache is an in-process progress.Cache. Expired entries are dropped lazily on
// access and by Purge.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	versions map[string]versionEntry
	// maxTTL is the longest TTL ever stored; an idle version counter is kept
	// at least this long.
	maxTTL time.Duration
	now    func() time.Time
}

// NewCache creates an empty cache. now may be nil.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries:  make(map[string]cacheEntry),
		versions: make(map[string]versionEntry),
		now:      now,
	}
}

// Get implements progress.Cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, progress.ErrCacheMiss
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, progress.ErrCacheMiss
	}
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, nil
}

// Set implements progress.Cache.
func (c *Cache) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, payload, ttl)
	return nil
}

func (c *Cache) setLocked(key string, payload []byte, ttl time.Duration) {
	stored := make([]byte, len(payload))
	copy(stored, payload)
	c.entries[key] = cacheEntry{payload: stored, expiresAt: c.now().Add(ttl)}
	c.maxTTL = max(c.maxTTL, ttl)
}

func (c *Cache) bumpLocked(key string) {
	v := c.versions[key]
	c.versions[key] = versionEntry{n: v.n + 1, touched: c.now()}
}

// Invalidate implements progress.Cache.
func (c *Cache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.bumpLocked(key)
	return nil
}

// InvalidatePrefix implements progress.Cache.
func (c *Cache) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	for key := range c.versions {
		if strings.HasPrefix(key, prefix) {
			c.bumpLocked(key)
		}
	}
	return nil
}

// Version implements progress.Cache.
func (c *Cache) Version(_ context.Context, key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Recording the key lets a later InvalidatePrefix bump it too.
	v := c.versions[key]
	v.touched = c.now()
	c.versions[key] = v
	return v.n, nil
}

// SetIfVersion implements progress.Cache.
func (c *Cache) SetIfVersion(_ context.Context, key string, payload []byte, ttl time.Duration, version uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[key].n != version {
		return false, nil
	}
	c.setLocked(key, payload, ttl)
	return true, nil
}

// Purge drops expired entries and returns how many were removed. Version
// counters of keys with no entry are dropped once unused for longer than the
// longest TTL seen, by which time no reader still holds them.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			n++
		}
	}
	idle := max(c.maxTTL, minVersionIdle)
	for key, v := range c.versions {
		if _, live := c.entries[key]; !live && now.Sub(v.touched) > idle {
			delete(c.versions, key)
		}
	}
	return n
}

// Versions returns the number of tracked version counters.
func (c *Cache) Versions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.versions)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NopCache is the pass-through cache used when no backend is configured:
// every read misses and every write is discarded.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]byte, error) { return nil, progress.ErrCacheMiss }

func (NopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NopCache) Invalidate(context.Context, string) error { return nil }

func (NopCache) InvalidatePrefix(context.Context, string) error { return nil }

func (NopCache) Version(context.Context, string) (uint64, error) { return 0, nil }

func (NopCache) SetIfVersion(context.Context, string, []byte, time.Duration, uint64) (bool, error) {
	return false, nil
}

var (
	_ progress.Cache = (*Cache)(nil)
	_ progress.Cache = NopCache{}
	_ progress.Store = (*Store)(nil)
)
