package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveIngest("completion", OutcomeOK, 5*time.Millisecond)
	m.ObserveIngest("completion", OutcomeOK, 5*time.Millisecond)
	m.ObserveIngest("quiz", OutcomeInvalid, time.Millisecond)
	m.CacheLookup(CacheHit)
	m.CacheInvalidated(false)
	m.AchievementUnlocked("streak_3")
	m.BreakerOpen(true)
	m.ObserveHTTP("GET /health", 200, time.Millisecond)
	m.ObserveHTTP("", 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingested.WithLabelValues("completion", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("quiz", OutcomeInvalid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues(CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidate.WithLabelValues(CacheError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unlocked.WithLabelValues("streak_3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState))
	assert.Equal(t, 2, testutil.CollectAndCount(m.httpRequests))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest("completion", OutcomeOK, time.Millisecond)
		m.CacheLookup(CacheMiss)
		m.ConflictRetried()
		m.BreakerOpen(false)
		m.ObserveHTTP("GET /health", 200, time.Millisecond)
	})
}
