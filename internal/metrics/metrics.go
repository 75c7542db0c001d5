// Package metrics exposes the prometheus counters and histograms percy-core
// records around discovery and the remote API, following the metric names
// and Histogram/CounterVec shapes of V4T54L-go-crawler's pkg/metrics, but
// bound to an injected *prometheus.Registry instead of package-level
// promauto singletons, matching this codebase's no-package-singleton
// dependency-injection discipline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector percy-core registers. A single instance is
// owned by PercyCore and threaded through discovery and buildclient calls.
type Metrics struct {
	Registry *prometheus.Registry

	SnapshotsTotal        *prometheus.CounterVec
	SnapshotDuration      *prometheus.HistogramVec
	ResourcesCaptured     *prometheus.CounterVec
	ResourceBytesCaptured prometheus.Counter
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	APICallsTotal         *prometheus.CounterVec
	APICallDuration       *prometheus.HistogramVec
	QueueDepth            prometheus.Gauge
}

// New builds and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "percy_snapshots_total",
			Help: "Total snapshot jobs (discovery plus upload), by outcome.",
		}, []string{"outcome"}),
		SnapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percy_snapshot_duration_seconds",
			Help:    "Duration of a snapshot job (discovery plus upload), by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ResourcesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "percy_resources_captured_total",
			Help: "Resources captured, by mimetype.",
		}, []string{"mimetype"}),
		ResourceBytesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "percy_resource_bytes_captured_total",
			Help: "Total bytes of resource bodies captured.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "percy_cache_hits_total",
			Help: "ResponseCache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "percy_cache_misses_total",
			Help: "ResponseCache misses.",
		}),
		APICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "percy_api_calls_total",
			Help: "BuildClient calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		APICallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percy_api_call_duration_seconds",
			Help:    "Duration of BuildClient calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "percy_queue_depth",
			Help: "Jobs currently queued or running in the SnapshotQueue.",
		}),
	}

	reg.MustRegister(
		m.SnapshotsTotal, m.SnapshotDuration, m.ResourcesCaptured,
		m.ResourceBytesCaptured, m.CacheHitsTotal, m.CacheMissesTotal,
		m.APICallsTotal, m.APICallDuration, m.QueueDepth,
	)

	return m
}

// ObserveSnapshot records a completed discovery run.
func (m *Metrics) ObserveSnapshot(outcome string, d time.Duration) {
	m.SnapshotsTotal.WithLabelValues(outcome).Inc()
	m.SnapshotDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveResource records a captured resource's mimetype and size.
func (m *Metrics) ObserveResource(mimetype string, size int) {
	m.ResourcesCaptured.WithLabelValues(mimetype).Inc()
	m.ResourceBytesCaptured.Add(float64(size))
}

// ObserveCache records a ResponseCache lookup outcome.
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// ObserveAPICall records a BuildClient call's operation, outcome, and
// duration.
func (m *Metrics) ObserveAPICall(operation, outcome string, d time.Duration) {
	m.APICallsTotal.WithLabelValues(operation, outcome).Inc()
	m.APICallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetQueueDepth updates the live queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}
