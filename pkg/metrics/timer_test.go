package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())

	time.Sleep(50 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)

	// Duration is re-readable and monotonically increasing: the same
	// timer times a whole reconcile pass across several observations.
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObservesHistograms(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_placement_duration_seconds",
		Help:    "Test placement duration histogram",
		Buckets: prometheus.DefBuckets,
	})
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_migration_duration_seconds",
			Help:    "Test migration duration histogram",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(histogramVec, "live")

	assert.NotZero(t, timer.Duration())
}

func TestTimersAreIndependent(t *testing.T) {
	older := NewTimer()
	time.Sleep(20 * time.Millisecond)
	newer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	assert.Greater(t, older.Duration(), newer.Duration())
	assert.NotZero(t, newer.Duration())
}
