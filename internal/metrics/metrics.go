package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Delivery attempts by event type and resulting status",
		},
		[]string{"event_type", "status"}, // delivered|failed_retryable|failed_terminal
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_latency_seconds",
			Help:    "Latency of outbound webhook requests",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"}, // success|failure
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_in_flight_attempts",
			Help: "Outbound attempts currently holding a concurrency slot",
		},
	)

	RetriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_retries_scheduled_total",
			Help: "Retries handed to the scheduler",
		},
	)

	CircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webhook_endpoint_circuit_open",
			Help: "1 when the endpoint health breaker is open",
		},
		[]string{"endpoint_id"},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_storage_errors_total",
			Help: "Ledger and stats writes that failed",
		},
		[]string{"op"}, // record|stats
	)

	IntakeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_intake_events_total",
			Help: "Events accepted from producers by source and result",
		},
		[]string{"source", "result"}, // http|kafka , accepted|rejected
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors once; later calls are no-ops so the
// serve and worker commands can share a process in tests.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			DeliveriesTotal,
			DeliveryLatency,
			InFlight,
			RetriesScheduled,
			CircuitOpen,
			StorageErrors,
			IntakeTotal,
		)
	})
}
