// Package metrics holds the Prometheus collectors of the progress engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "progress"

// Outcome labels for ingestion.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Cache result labels.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics groups every collector.
type Metrics struct {
	ingested        *prometheus.CounterVec
	ingestDuration  *prometheus.HistogramVec
	conflictRetries prometheus.Counter
	unlocked        *prometheus.CounterVec
	cacheRequests   *prometheus.CounterVec
	cacheInvalidate *prometheus.CounterVec
	breakerState    prometheus.Gauge
	httpRequests    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Ingested progress events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Latency of event ingestion including the aggregate update.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Ingestions retried after an aggregate lock conflict.",
		}),
		unlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievements_unlocked_total",
			Help:      "Achievement unlocks by achievement id.",
		}, []string{"achievement"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Read cache lookups by result.",
		}, []string{"result"}),
		cacheInvalidate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Read cache invalidations by result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_breaker_open",
			Help:      "1 while the read cache circuit breaker is open.",
		}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API latency by route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.ingested,
		m.ingestDuration,
		m.conflictRetries,
		m.unlocked,
		m.cacheRequests,
		m.cacheInvalidate,
		m.breakerState,
		m.httpRequests,
	)
	return m
}

// ObserveIngest records one ingestion.
func (m *Metrics) ObserveIngest(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(kind, outcome).Inc()
	m.ingestDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// ConflictRetried records one retry after a lock conflict.
func (m *Metrics) ConflictRetried() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// AchievementUnlocked records one unlock.
func (m *Metrics) AchievementUnlocked(id string) {
	if m == nil {
		return
	}
	m.unlocked.WithLabelValues(id).Inc()
}

// CacheLookup records a read cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// CacheInvalidated records an invalidation, successful or not.
func (m *Metrics) CacheInvalidated(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = CacheError
	}
	m.cacheInvalidate.WithLabelValues(result).Inc()
}

// BreakerOpen records the cache breaker state.
func (m *Metrics) BreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerState.Set(1)
		return
	}
	m.breakerState.Set(0)
}

// ObserveHTTP records one served request. route is the mux pattern, never
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(took.Seconds())
}
