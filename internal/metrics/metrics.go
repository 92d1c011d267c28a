// Package metrics exposes the Prometheus instrumentation shared by the
// coordinator and workers
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_executions_started_total",
		Help: "Executions started by the coordinator",
	})

	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noetl_executions_completed_total",
		Help: "Executions that reached a terminal state, by status",
	}, []string{"status"})

	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noetl_events_appended_total",
		Help: "Events appended to the event log, by type",
	}, []string{"event"})

	CommandsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_commands_issued_total",
		Help: "Commands published to the queue",
	})

	CommandsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_commands_claimed_total",
		Help: "Commands claimed by workers",
	})

	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noetl_commands_completed_total",
		Help: "Commands finished by workers, by outcome",
	}, []string{"outcome"})

	LoopIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_loop_iterations_total",
		Help: "Loop iterations scheduled",
	})

	LoopRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_loop_repairs_total",
		Help: "Loop iterations reissued by tail repair",
	})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "noetl_tool_duration_seconds",
		Help:    "Tool call wall time, by kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	StateRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "noetl_state_rebuilds_total",
		Help: "Execution states reconstructed from the event log",
	})
)
