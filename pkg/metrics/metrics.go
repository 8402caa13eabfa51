// Package metrics exports progress and broadcast metrics via Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// Metrics owns every collector for state transitions, store failures and
// hub fan-out. A nil *Metrics is a valid no-op observer.
type Metrics struct {
	transitions      *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	broadcasts       prometheus.Counter
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	recipients       prometheus.Histogram
	connections      prometheus.Gauge
	rooms            prometheus.Gauge
}

// New registers the collectors against reg, or the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_transitions_total",
			Help: "Accepted progress writes partitioned by type and transition.",
		}, []string{"type", "transition"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_store_errors_total",
			Help: "Store operations that failed because the backend was unavailable.",
		}, []string{"op"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_broadcasts_total",
			Help: "Records handed to the hub for fan-out.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_deliveries_total",
			Help: "Events successfully queued to a connection.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_delivery_failures_total",
			Help: "Events dropped because a connection could not accept them.",
		}),
		recipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "progress_broadcast_recipients",
			Help:    "Distinct connections reached per broadcast.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_connections",
			Help: "Currently registered live connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_rooms",
			Help: "Rooms with at least one member.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.transitions,
		m.storeErrors,
		m.broadcasts,
		m.deliveries,
		m.deliveryFailures,
		m.recipients,
		m.connections,
		m.rooms,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return m, nil
}

// ObserveTransition counts an accepted (or rejected) state transition.
func (m *Metrics) ObserveTransition(t progress.Type, transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(t), transition).Inc()
}

// ObserveStoreError counts a store operation that hit an unavailable backend.
func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// ObserveBroadcast records one fan-out and its outcome.
func (m *Metrics) ObserveBroadcast(delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.deliveries.Add(float64(delivered))
	m.deliveryFailures.Add(float64(failed))
	m.recipients.Observe(float64(delivered + failed))
}

// SetConnections reports the live connection count.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// SetRooms reports the non-empty room count.
func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}
