package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// TestMetricsRecordsObservations ensures each hook lands on its collector.
func TestMetricsRecordsObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveTransition(progress.TypeEmbedding, "create")
	m.ObserveTransition(progress.TypeEmbedding, "create")
	m.ObserveTransition(progress.TypeGeneration, "complete")
	m.ObserveStoreError("put")
	m.ObserveBroadcast(3, 1)
	m.SetConnections(4)
	m.SetRooms(2)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("embedding", "create")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("generation", "complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("put")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.broadcasts))
	require.Equal(t, 3.0, testutil.ToFloat64(m.deliveries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures))
	require.Equal(t, 4.0, testutil.ToFloat64(m.connections))
	require.Equal(t, 2.0, testutil.ToFloat64(m.rooms))
	require.Equal(t, 1, testutil.CollectAndCount(m.recipients, "progress_broadcast_recipients"))
}

// TestMetricsDuplicateRegistration surfaces registry conflicts.
func TestMetricsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

// TestNilMetricsIsNoop allows callers to skip metrics entirely.
func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveTransition(progress.TypeGeneration, "update")
		m.ObserveStoreError("get")
		m.ObserveBroadcast(1, 0)
		m.SetConnections(1)
		m.SetRooms(1)
	})
}
