package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BindsTotal counts bind attempts by result
	BindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "binds_total",
			Help:      "Total number of reader bind attempts",
		},
		[]string{"result"},
	)

	// ReconnectsTotal counts heartbeat-triggered recovery attempts by result
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "reconnects_total",
			Help:      "Total number of automatic reconnection attempts",
		},
		[]string{"result"},
	)

	// HeartbeatFailures counts heartbeat probes that found the reader gone
	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "heartbeat_failures_total",
			Help:      "Total number of failed heartbeat probes",
		},
	)

	// RegistrationInvalidations counts stored registrations proven stale
	RegistrationInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "registration_invalidations_total",
			Help:      "Total number of persisted registrations invalidated after failed reconnection",
		},
	)

	// ChargesTotal counts payment sessions by outcome
	ChargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kiosk",
			Name:      "charges_total",
			Help:      "Total number of payment sessions by outcome",
		},
		[]string{"outcome"},
	)

	// Ensure metrics are only registered once
	once sync.Once
)

// InitMetrics registers all metrics with the global Prometheus registry
// This function is idempotent and can be called multiple times safely
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.Register(BindsTotal)
		prometheus.DefaultRegisterer.Register(ReconnectsTotal)
		prometheus.DefaultRegisterer.Register(HeartbeatFailures)
		prometheus.DefaultRegisterer.Register(RegistrationInvalidations)
		prometheus.DefaultRegisterer.Register(ChargesTotal)
	})
}
