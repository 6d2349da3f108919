package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Worker pool ─────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total envelopes processed, labelled by role and outcome (acked | dead).",
	}, []string{"role", "outcome"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Envelopes currently being executed.",
	}, []string{"role"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Per-delivery handler execution time in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 180, 600},
	}, []string{"role"})

	WorkerRedeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "redeliveries_total",
		Help:      "Total envelopes nacked for redelivery after a transient failure.",
	}, []string{"role"})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Total envelopes moved to the dead-letter destination.",
	}, []string{"role"})

	WorkerLeaseExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "lease_expirations_total",
		Help:      "Late acks/nacks ignored because the lease had already been reassigned.",
	}, []string{"role"})

	WorkerBrokerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "worker",
		Name:      "broker_reconnects_total",
		Help:      "Successful recoveries from the Unreachable state.",
	}, []string{"role"})

	// ─── Broker (producer side) ─────────────────────────────────────────────────

	BrokerEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deepship",
		Subsystem: "broker",
		Name:      "enqueued_total",
		Help:      "Total envelopes enqueued, labelled by queue.",
	}, []string{"queue"})
)
