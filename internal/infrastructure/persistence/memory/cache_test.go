package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
)

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewCache(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, progress.ErrCacheMiss)
	assert.Zero(t, c.Len())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := NewCache(nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "progress:user:a:dashboard", []byte("a"), time.Minute))
	require.NoError(t, c.Set(ctx, "progress:user:b:dashboard", []byte("b"), time.Minute))
	require.NoError(t, c.Set(ctx, "other", []byte("o"), time.Minute))

	require.NoError(t, c.InvalidatePrefix(ctx, "progress:"))

	_, err := c.Get(ctx, "progress:user:a:dashboard")
	assert.ErrorIs(t, err, progress.ErrCacheMiss)
	_, err = c.Get(ctx, "other")
	assert.NoError(t, err)
}

func TestCache_SetIfVersionRejectsStaleWriter(t *testing.T) {
	c := NewCache(nil)
	ctx := context.Background()
	key := "progress:user:a:dashboard"

	v, err := c.Version(ctx, key)
	require.NoError(t, err)

	// A write lands between the reader's version check and its store.
	require.NoError(t, c.Invalidate(ctx, key))

	stored, err := c.SetIfVersion(ctx, key, []byte("stale"), time.Minute, v)
	require.NoError(t, err)
	assert.False(t, stored)
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, progress.ErrCacheMiss)

	v, _ = c.Version(ctx, key)
	stored, err = c.SetIfVersion(ctx, key, []byte("fresh"), time.Minute, v)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestCache_PrefixBumpsPendingVersions(t *testing.T) {
	c := NewCache(nil)
	ctx := context.Background()
	key := "progress:user:a:dashboard"

	v, _ := c.Version(ctx, key)
	require.NoError(t, c.InvalidatePrefix(ctx, "progress:"))

	stored, err := c.SetIfVersion(ctx, key, []byte("stale"), time.Minute, v)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestCache_Purge(t *testing.T) {
	now := time.Now()
	c := NewCache(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestCache_PurgeForgetsIdleVersions(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewCache(func() time.Time { return now })
	ctx := context.Background()
	key := func(user string) string { return "progress:user:" + user + ":dashboard" }

	for _, user := range []string{"a", "b", "c"} {
		v, err := c.Version(ctx, key(user))
		require.NoError(t, err)
		_, err = c.SetIfVersion(ctx, key(user), []byte(user), 5*time.Minute, v)
		require.NoError(t, err)
	}
	require.NoError(t, c.Invalidate(ctx, key("b")))

	now = now.Add(4 * time.Minute)
	v, err := c.Version(ctx, key("a"))
	require.NoError(t, err)
	assert.Zero(t, c.Purge())
	assert.Equal(t, 3, c.Versions())

	now = now.Add(4 * time.Minute)
	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 1, c.Versions(), "only the recently read counter is kept")

	stored, err := c.SetIfVersion(ctx, key("a"), []byte("a2"), time.Minute, v)
	require.NoError(t, err)
	assert.True(t, stored)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, c.Purge())
	assert.Zero(t, c.Versions())
	assert.Zero(t, c.Len())
}

func TestNopCache(t *testing.T) {
	var c NopCache
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, progress.ErrCacheMiss)
	stored, err := c.SetIfVersion(ctx, "k", nil, time.Minute, 0)
	assert.NoError(t, err)
	assert.False(t, stored)
}
