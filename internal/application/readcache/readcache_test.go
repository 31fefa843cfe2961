package readcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/memory"
)

var errDown = errors.New("connection refused")

type downCache struct{}

func (downCache) Get(context.Context, string) ([]byte, error)             { return nil, errDown }
func (downCache) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (downCache) Invalidate(context.Context, string) error                 { return errDown }
func (downCache) InvalidatePrefix(context.Context, string) error           { return errDown }
func (downCache) Version(context.Context, string) (uint64, error)          { return 0, errDown }
func (downCache) SetIfVersion(context.Context, string, []byte, time.Duration, uint64) (bool, error) {
	return false, errDown
}

func TestReadCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(memory.NewCache(nil), 0, nil, nil)
	assert.Equal(t, DefaultTTL, c.TTL())

	key := DashboardKey("u1")
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	v, ok := c.Version(ctx, key)
	require.True(t, ok)
	c.Fill(ctx, key, []byte(`{"a":1}`), v)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, c.InvalidateUser(ctx, "u1"))
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestReadCache_DegradesWhenBackendDown(t *testing.T) {
	ctx := context.Background()
	c := New(downCache{}, time.Minute, nil, nil)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	_, ok = c.Version(ctx, "k")
	assert.False(t, ok)

	assert.NotPanics(t, func() { c.Fill(ctx, "k", []byte("x"), 0) })

	err := c.Invalidate(ctx, "k")
	assert.ErrorIs(t, err, shared.ErrCacheUnavailable)
	assert.ErrorIs(t, c.InvalidateAll(ctx), shared.ErrCacheUnavailable)
}

func TestReadCache_NilBackendIsPassThrough(t *testing.T) {
	ctx := context.Background()
	c := New(nil, time.Minute, nil, nil)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.NoError(t, c.InvalidateUser(ctx, "u"))
	assert.NoError(t, c.InvalidateAll(ctx))
}

func TestDashboardKey(t *testing.T) {
	assert.Equal(t, "progress:user:42:dashboard", DashboardKey("42"))
}
