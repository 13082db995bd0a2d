// Package metrics declares the Prometheus collectors exported by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackgroundTasks counts fire-and-forget tasks by pool, task name and result
	// (ok, failed, dropped). It is the only place background failures surface.
	BackgroundTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "family_agent_background_tasks_total",
		Help: "Background tasks by pool, task and result",
	}, []string{"pool", "task", "result"})

	// ToolExecutions counts tool calls by tool and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "family_agent_tool_executions_total",
		Help: "Tool calls by tool and outcome",
	}, []string{"tool", "outcome"})

	// ToolDuration tracks tool invocation latency.
	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "family_agent_tool_duration_seconds",
		Help:    "Tool invocation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"tool"})

	// AutonomyDecisions counts gate verdicts by autonomy level and verdict.
	AutonomyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "family_agent_autonomy_decisions_total",
		Help: "Autonomy gate decisions by level and verdict",
	}, []string{"level", "verdict"})

	// MemoryTierFailures counts degraded memory tier operations.
	MemoryTierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "family_agent_memory_tier_failures_total",
		Help: "Memory tier failures by tier and operation",
	}, []string{"tier", "op"})

	// RequestDuration tracks end-to-end request latency by status.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "family_agent_request_duration_seconds",
		Help:    "Request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)
