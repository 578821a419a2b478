// Package prometheus provides the Prometheus implementation of the
// durable-object engine metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Qodestackr/bima-bazaar-api/core/durable"
	"github.com/Qodestackr/bima-bazaar-api/core/metrics"
)

// timer wraps a Prometheus observer to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// durableMetrics implements durable.Metrics using Prometheus.
type durableMetrics struct {
	restoreDuration *prometheus.HistogramVec
	persistDuration *prometheus.HistogramVec
	conflictsTotal  *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	cacheMissTotal  *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec
	batchClaims     *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
}

// NewDurableMetrics creates a new Prometheus implementation of durable.Metrics.
func NewDurableMetrics(reg prometheus.Registerer) durable.Metrics {
	m := &durableMetrics{
		restoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bima_durable_restore_duration_seconds",
			Help:    "State restore latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bima_durable_persist_duration_seconds",
			Help:    "Conditional persist latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"kind"}),

		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_durable_conflicts_total",
			Help: "Total number of lost optimistic-concurrency races",
		}, []string{"kind"}),

		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_durable_cache_hits_total",
			Help: "Total number of shard instance cache hits",
		}, []string{"kind"}),

		cacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_durable_cache_misses_total",
			Help: "Total number of shard instance cache misses",
		}, []string{"kind"}),

		evictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_durable_evictions_total",
			Help: "Total number of instances evicted from shard caches",
		}, []string{"kind"}),

		batchClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_claims_batch_claims_total",
			Help: "Total claims per settlement outcome",
		}, []string{"region", "outcome"}),

		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bima_claims_batches_total",
			Help: "Total settlement cycles, by whether every record was readable",
		}, []string{"region", "complete"}),
	}

	reg.MustRegister(
		m.restoreDuration,
		m.persistDuration,
		m.conflictsTotal,
		m.cacheHitsTotal,
		m.cacheMissTotal,
		m.evictionsTotal,
		m.batchClaims,
		m.batchesTotal,
	)

	return m
}

func (m *durableMetrics) RestoreDuration(kind string) metrics.Timer {
	return newTimer(m.restoreDuration.WithLabelValues(kind))
}

func (m *durableMetrics) PersistDuration(kind string) metrics.Timer {
	return newTimer(m.persistDuration.WithLabelValues(kind))
}

func (m *durableMetrics) Conflict(kind string) {
	m.conflictsTotal.WithLabelValues(kind).Inc()
}

func (m *durableMetrics) CacheHit(kind string) {
	m.cacheHitsTotal.WithLabelValues(kind).Inc()
}

func (m *durableMetrics) CacheMiss(kind string) {
	m.cacheMissTotal.WithLabelValues(kind).Inc()
}

func (m *durableMetrics) Evicted(kind string) {
	m.evictionsTotal.WithLabelValues(kind).Inc()
}

func (m *durableMetrics) BatchProcessed(region string, settled, missed int) {
	m.batchClaims.WithLabelValues(region, "settled").Add(float64(settled))
	m.batchClaims.WithLabelValues(region, "missed").Add(float64(missed))
	m.batchesTotal.WithLabelValues(region, boolToStr(missed == 0)).Inc()
}

func boolToStr(b bool) string { return strconv.FormatBool(b) }

var _ durable.Metrics = (*durableMetrics)(nil)
