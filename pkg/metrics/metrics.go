// Package metrics defines the engine's process-wide Prometheus
// metrics and the HTTP server that exposes them (spec.md's AMBIENT
// STACK: "per-stage and per-gate outcome" counters and histograms,
// served the way the teacher's service processes serve theirs).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStartedTotal counts runs handed to the worker pool.
	RunsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_runs_started_total",
		Help: "Total number of runs submitted to the worker pool.",
	})

	// RunsCompletedTotal counts runs reaching a terminal status,
	// labeled by that status (passed, failed, error).
	RunsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_runs_completed_total",
		Help: "Total number of runs reaching a terminal status, by status.",
	}, []string{"status"})

	// RunsStaleReapedTotal counts runs the reaper moved to
	// error(STALE).
	RunsStaleReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_runs_stale_reaped_total",
		Help: "Total number of runs reaped for exceeding the stale-run grace window.",
	})

	// StageDuration records how long each run-engine stage took.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgegate_stage_duration_seconds",
		Help:    "Duration of a single run-engine stage, by stage name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// GateEvaluationsTotal counts individual gate evaluations, by
	// pass/fail outcome.
	GateEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_gate_evaluations_total",
		Help: "Total number of individual gate evaluations, by outcome.",
	}, []string{"outcome"})

	// ActiveRunsGauge tracks the number of non-terminal runs
	// currently known to the engine.
	ActiveRunsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_active_runs",
		Help: "Number of runs currently in a non-terminal status.",
	})

	// NotificationDeliveriesTotal counts run-completion notification
	// attempts, by outcome.
	NotificationDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_notification_deliveries_total",
		Help: "Total number of run-completion notification delivery attempts, by outcome.",
	}, []string{"outcome"})
)

// RecordStageDuration records how long a named stage took.
func RecordStageDuration(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRunCompleted records a run reaching a terminal status.
func RecordRunCompleted(status string) {
	RunsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordGateEvaluation records a single gate's pass/fail outcome.
func RecordGateEvaluation(passed bool) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	GateEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// Timer measures elapsed time for a single stage invocation.
type Timer struct {
	start time.Time
	stage string
}

// NewTimer starts a Timer for stage.
func NewTimer(stage string) *Timer {
	return &Timer{start: time.Now(), stage: stage}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveStage records the timer's elapsed duration against its
// stage's histogram.
func (t *Timer) ObserveStage() {
	RecordStageDuration(t.stage, t.Elapsed())
}
