// Package obsmetrics holds the Prometheus instruments the /metrics
// endpoint exposes: tool invocation counts and latency, job-queue
// task outcomes, dead-letter volume, policy denials, consumer-group
// message outcomes, and the execution read-cache hit rate. Instruments
// are package-level promauto vars registered against the default
// registry, which is the registry promhttp.Handler serves.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolInvocations counts tool executor calls by tool name and outcome
	// (success, failure, denied, missing).
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tool_invocations_total",
		Help: "Tool executor invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	// ToolLatency observes wall-clock tool execution time.
	ToolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_tool_invocation_seconds",
		Help:    "Tool executor invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	// PolicyDenials counts policy-gate vetoes by the tool that proposed
	// the communication.
	PolicyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_policy_denials_total",
		Help: "Actions denied by the policy engine, by proposing tool.",
	}, []string{"tool"})

	// QueueTasks counts job-queue dispatch outcomes (succeeded, failed,
	// unhandled).
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobqueue_tasks_total",
		Help: "Job queue task dispatch outcomes.",
	}, []string{"outcome"})

	// DeadLetters counts entries written to the dead-letter queue.
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_dead_letters_total",
		Help: "Dead-letter queue entries written.",
	})

	// ConsumerMessages counts consumer-group handler outcomes per group.
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_consumer_messages_total",
		Help: "Consumer group message handling outcomes.",
	}, []string{"group", "outcome"})

	// ExecutionStatusTransitions counts execution status writes by status,
	// the "execution statuses" counter.
	ExecutionStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_execution_status_transitions_total",
		Help: "Workflow execution status values at persist time.",
	}, []string{"status"})

	// ExecutionCacheRequests counts execution read-cache hits and misses,
	// from which the cache hit-rate is derived.
	ExecutionCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_execution_cache_requests_total",
		Help: "Execution read-cache lookups by result (hit, miss).",
	}, []string{"result"})
)
