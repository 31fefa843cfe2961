package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []State
	cb := New("test",
		WithFailureThreshold(2),
		WithSuccessThreshold(1),
		WithTimeout(10*time.Second),
		WithClock(clock.Now),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)

	boom := errors.New("backend down")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	require.True(t, cb.IsOpen())

	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrCircuitOpen)

	clock.Advance(11 * time.Second)
	assert.NoError(t, cb.Execute(context.Background(), ok))
	assert.True(t, cb.IsClosed())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	benign := errors.New("miss")
	cb := New("test", WithFailureThreshold(1), WithIsFailure(func(err error) bool { return !errors.Is(err, benign) }))

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return benign })
	}
	assert.True(t, cb.IsClosed())
	assert.Equal(t, 5, cb.Counts().TotalSuccesses)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := New("test", WithFailureThreshold(1), WithSuccessThreshold(2), WithTimeout(time.Second), WithClock(clock.Now))
	boom := errors.New("x")
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	require.True(t, cb.IsOpen())

	clock.Advance(2 * time.Second)
	assert.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is not enough")

	// A probe in flight takes the only half-open slot.
	err := cb.Execute(ctx, func(context.Context) error {
		assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return nil }), ErrTooManyRequests)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)
	assert.Equal(t, "test", cb.Name())
}
