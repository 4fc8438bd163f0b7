// Package metrics holds the Prometheus collectors updated by the lifecycle
// components. They are registered in init() and exposed at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsTotal counts scheduler job outcomes by type.
	// outcome: fired|stale|dropped|cancelled|failed
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_jobs_total",
			Help: "Scheduled jobs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// PendingJobs reports jobs waiting to fire.
	PendingJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpbot_pending_jobs",
			Help: "Jobs currently scheduled or running",
		},
	)

	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_liquidations_total",
			Help: "Detected position closures by reason and side",
		},
		[]string{"reason", "side"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_decisions_total",
			Help: "Oracle decisions by action and source (analysis|monitoring)",
		},
		[]string{"source", "action"},
	)

	PipelineOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_pipeline_outcomes_total",
			Help: "Terminal states reached by the decision pipeline",
		},
		[]string{"outcome"},
	)

	// PositionOpen is 1 while the tracker holds a position.
	PositionOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpbot_position_open",
			Help: "Whether a position is currently tracked",
		},
	)

	ExternalRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_external_retries_total",
			Help: "Retries of external calls by target",
		},
		[]string{"target"},
	)

	// HTTPRequests counts control API requests by route pattern and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpbot_http_requests_total",
			Help: "Control API requests by route and status code",
		},
		[]string{"route", "status"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpbot_ws_clients",
			Help: "Connected websocket clients",
		},
	)

	ReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpbot_reconcile_read_errors_total",
			Help: "Failed exchange reads swallowed by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		PendingJobs,
		Liquidations,
		Decisions,
		PipelineOutcomes,
		PositionOpen,
		ExternalRetries,
		ReconcileErrors,
		HTTPRequests,
		WSClients,
	)
}
