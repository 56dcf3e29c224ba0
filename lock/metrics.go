package lock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records lease activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	acquired  *prometheus.CounterVec
	released  prometheus.Counter
	conflicts *prometheus.CounterVec
	held      prometheus.Gauge
}

// NewMetrics creates the lock metrics and registers them with reg. It
// returns nil when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphengine_lock_acquired_total",
			Help: "Leases granted by the backend, by mode",
		}, []string{"mode"}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphengine_lock_released_total",
			Help: "Leases released against the backend",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphengine_lock_conflicts_total",
			Help: "Lease requests refused because another owner holds the path",
		}, []string{"mode"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphengine_lock_held",
			Help: "Leases currently tracked by the access manager",
		}),
	}
	reg.MustRegister(m.acquired, m.released, m.conflicts, m.held)
	return m
}

func (m *Metrics) recordAcquired(mode LockState) {
	if m == nil {
		return
	}
	m.acquired.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) recordReleased() {
	if m == nil {
		return
	}
	m.released.Inc()
}

func (m *Metrics) recordConflict(mode LockState) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) trackHeld(delta float64) {
	if m == nil {
		return
	}
	m.held.Add(delta)
}
