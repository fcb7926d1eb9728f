// Package metrics defines the Prometheus collectors exposed at GET
// /lb/metrics, grounded in the package-level registered-once
// NewGaugeVec/NewCounterVec/NewHistogramVec pattern used elsewhere in the
// retrieval pack's observability code.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks reserved+pending+running per backend.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comfylb",
		Name:      "backend_queue_depth",
		Help:      "Reserved plus pending plus running task count per backend.",
	}, []string{"backend"})

	// BackendStatus is 1 for the backend's current status label, 0 otherwise.
	BackendStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "comfylb",
		Name:      "backend_status",
		Help:      "Backend health status; value is 1 for the active status label.",
	}, []string{"backend", "status"})

	// DispatchLatency measures time from task creation to dispatched state.
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "comfylb",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from task creation to successful dispatch.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})

	// TaskTransitions counts every task state-transition, labeled by the
	// resulting state.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comfylb",
		Name:      "task_transitions_total",
		Help:      "Count of task state transitions, labeled by resulting state.",
	}, []string{"state"})

	// WSSubscribers tracks the current number of downstream client
	// WebSocket subscribers registered with the Event Hub; management
	// WebSocket connections are not counted.
	WSSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "comfylb",
		Name:      "ws_subscribers",
		Help:      "Current count of client WebSocket subscribers registered with the Event Hub.",
	})
)
