// Package observability exposes the Prometheus metrics the scheduler,
// orchestrator, executor and browser pool record against, grounded in the
// teacher's observability package (same promauto registration style,
// same gauge/counter/histogram split).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending requests by state.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courtracer_queue_depth",
		Help: "Current number of reservation requests by state",
	}, []string{"state"})

	// DispatchDecisions tracks allocator/scheduler dispatch outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtracer_dispatch_decisions_total",
		Help: "Total number of dispatch decisions made",
	}, []string{"decision"}) // confirmed, waitlisted, deferred_circuit_open

	// SchedulerLoopDuration tracks how long one scheduler tick takes.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courtracer_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// ExecutorPhaseDuration tracks how long the booking executor spends in
	// each phase of an attempt.
	ExecutorPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courtracer_executor_phase_duration_seconds",
		Help:    "Duration spent in each booking executor phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// ExecutorOutcomes tracks terminal attempt outcomes.
	ExecutorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtracer_executor_outcomes_total",
		Help: "Total number of booking attempts by final outcome",
	}, []string{"outcome"}) // confirmed, failed, detected_as_bot

	// CircuitState tracks the scheduler's circuit breaker state.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courtracer_circuit_state",
		Help: "Scheduler circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// PoolHealth tracks the browser pool's aggregate health status.
	PoolHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courtracer_pool_health",
		Help: "Browser pool aggregate health (0=failed, 1=critical, 2=degraded, 3=healthy)",
	})

	// CourtHealth tracks each court's individual health status.
	CourtHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courtracer_court_health",
		Help: "Per-court health status (0=failed, 1=critical, 2=degraded, 3=healthy)",
	}, []string{"court"})

	// RecoveryAttempts tracks browser pool recovery escalations by strategy.
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtracer_recovery_attempts_total",
		Help: "Total number of pool recovery attempts by strategy and outcome",
	}, []string{"strategy", "outcome"}) // outcome: success, failure

	// IdempotencyLockContention tracks rejected double-execution attempts.
	IdempotencyLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courtracer_idempotency_lock_contention_total",
		Help: "Total number of MarkExecuting calls rejected by the idempotency guard",
	})

	// WindowLatency tracks the gap between a window's intended open moment
	// and the scheduler actually dispatching it.
	WindowLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "courtracer_window_dispatch_latency_seconds",
		Help:    "Delay between a booking window's open moment and dispatch",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})
)

// CircuitStateValue maps a CircuitState string (as used by scheduler.CircuitState.String())
// to the numeric gauge value recorded above.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// HealthStatusValue maps a browserpool.Status string to the numeric gauge
// value recorded above.
func HealthStatusValue(status string) float64 {
	switch status {
	case "failed":
		return 0
	case "critical":
		return 1
	case "degraded":
		return 2
	case "healthy":
		return 3
	default:
		return -1
	}
}
