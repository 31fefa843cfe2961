package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCompositeHealthChecker(t *testing.T) {
	c := NewCompositeHealthChecker("v1")
	c.SetTimeout(50 * time.Millisecond)

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "No health checks registered", status.Message)

	c.AddCheck("postgres", func(context.Context) error { return nil })
	c.AddOptionalCheck("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status = c.Check(context.Background())
	assert.False(t, status.Healthy)
	assert.True(t, status.Ready, "optional failures keep the service ready")
	assert.Equal(t, "Some checks failed: redis", status.Message)
	assert.True(t, status.Checks["postgres"].Healthy)
	assert.True(t, status.Checks["postgres"].Required)
	assert.Contains(t, status.Checks["redis"].Message, "deadline exceeded")

	c.AddCheck("postgres", func(context.Context) error { return errors.New("refused") })
	status = c.Check(context.Background())
	assert.False(t, status.Ready)
	assert.Equal(t, "Some checks failed: postgres, redis", status.Message)

	c.RemoveCheck("postgres")
	c.RemoveCheck("redis")
	assert.True(t, c.Check(context.Background()).Healthy)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewPingCheck(t *testing.T) {
	down := errors.New("down")
	assert.NoError(t, NewPingCheck(pingFunc(func(context.Context) error { return nil }))(context.Background()))
	assert.ErrorIs(t, NewPingCheck(pingFunc(func(context.Context) error { return down }))(context.Background()), down)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("k1"), bcrypt.MinCost)
	require.NoError(t, err)

	a := NewAPIKeyAuth("", []string{" ", string(hash)})
	assert.True(t, a.Enabled())
	assert.True(t, a.IsValid("k1"))
	assert.True(t, a.IsValid("k1"), "second check hits the verified set")
	assert.False(t, a.IsValid("k2"))
	assert.False(t, a.IsValid(""))

	assert.False(t, NewAPIKeyAuth("", nil).Enabled())
}

func TestAPIKeyAuth_DisabledPassesThrough(t *testing.T) {
	called := false
	h := NewAPIKeyAuth("", nil).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) MiddlewareFunc {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := ChainHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithDetails(rec, http.StatusConflict, "conflict", "try again", "lock timeout")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t,
		`{"success":false,"error":{"code":"conflict","message":"try again","details":"lock timeout"}}`,
		rec.Body.String())
}
