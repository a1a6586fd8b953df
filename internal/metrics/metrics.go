// Package metrics registers the orchestrator's Prometheus counters and
// histograms against the default registry. Exposing them over HTTP is a
// separate concern (an external dashboard's job); this package only
// registers and increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts consolidated messages dispatched, labeled by
	// the path they took.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_messages_total",
		Help: "Messages dispatched, labeled by execution path.",
	}, []string{"path"})

	// DispatchDuration observes how long one per-group locked execution
	// takes end to end.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nanoclaw_dispatch_duration_seconds",
		Help:    "Duration of one per-group locked dispatch, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// SandboxRunsTotal counts sandbox runner invocations by outcome.
	SandboxRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nanoclaw_sandbox_runs_total",
		Help: "Sandbox container runs, labeled by status.",
	}, []string{"status"})

	// SchedulerTicksTotal counts scheduler poll-loop iterations.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nanoclaw_scheduler_ticks_total",
		Help: "Scheduler poll loop iterations.",
	})
)

// Path label values for MessagesTotal/DispatchDuration.
const (
	PathFastPath = "fast_path"
	PathSandbox  = "sandbox"
)
