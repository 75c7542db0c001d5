package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveSnapshotIncrementsCounterAndHistogram(t *testing.T) {
	m := New()
	m.ObserveSnapshot("success", 250*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SnapshotsTotal.WithLabelValues("success")))
}

func TestObserveResourceAddsBytes(t *testing.T) {
	m := New()
	m.ObserveResource("text/css", 128)
	m.ObserveResource("text/css", 256)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ResourcesCaptured.WithLabelValues("text/css")))
	assert.Equal(t, float64(384), testutil.ToFloat64(m.ResourceBytesCaptured))
}

func TestObserveCacheHitAndMiss(t *testing.T) {
	m := New()
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMissesTotal))
}

func TestSetQueueDepthUpdatesGauge(t *testing.T) {
	m := New()
	m.SetQueueDepth(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))
}
