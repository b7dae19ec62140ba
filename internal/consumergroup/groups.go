package consumergroup

import (
	"github.com/outreach-orchestrator/runtime/internal/bus"
)

// The runtime names the priority-calibrated groups fixed in : one for
// critical+high (immediate), one bi-directional group for worker-task
// handling, plus secondary groups for analytics, batch, scheduled, audit.
const (
	GroupImmediate  = "immediate-critical-high"
	GroupWorkerTask = "worker-task"
	GroupAnalytics  = "analytics"
	GroupBatch      = "batch"
	GroupScheduled  = "scheduled"
	GroupAudit      = "audit"
)

// ImmediateConfig builds the critical+high priority group: ingress events,
// workflow state/metric changes, and alerts that must reach the supervisor
// with minimal latency.
func ImmediateConfig() Config {
	return Config{
		Name:           GroupImmediate,
		Topics:         []string{bus.TopicEvents, bus.TopicWorkflowEvents, bus.TopicCriticalAlerts},
		Concurrency:    8,
		MaxBatch:       20,
		PriorityFilter: []bus.Priority{bus.PriorityCritical, bus.PriorityHigh},
	}
}

// WorkerTaskConfig builds the bi-directional supervisor<->worker group
// (supervisor_tasks out, task_results back).
func WorkerTaskConfig() Config {
	return Config{
		Name:        GroupWorkerTask,
		Topics:      []string{bus.TopicSupervisorTasks, bus.TopicTaskResults},
		Concurrency: 8,
		MaxBatch:    50,
	}
}

// AnalyticsConfig builds the secondary analytics stream consumer.
func AnalyticsConfig() Config {
	return Config{
		Name:           GroupAnalytics,
		Topics:         []string{bus.TopicAnalyticsEvents},
		Concurrency:    2,
		MaxBatch:       100,
		PriorityFilter: []bus.Priority{bus.PriorityBatch, bus.PriorityLow, bus.PriorityNormal},
	}
}

// BatchConfig builds the secondary low-urgency batch consumer. Concurrency
// and batch size favor throughput over latency since batch work tolerates
// delay.
func BatchConfig() Config {
	return Config{
		Name:        GroupBatch,
		Topics:      []string{bus.TopicEvents, bus.TopicWorkflowEvents},
		Concurrency: 2,
		MaxBatch:    100,
	}
}

// ScheduledConfig builds the scheduled-tasks consumer the scheduler
// daemon publishes to.
func ScheduledConfig() Config {
	return Config{
		Name:        GroupScheduled,
		Topics:      []string{bus.TopicScheduledTasks},
		Concurrency: 2,
		MaxBatch:    25,
	}
}

// AuditConfig builds the secondary audit-trail consumer.
func AuditConfig() Config {
	return Config{
		Name:        GroupAudit,
		Topics:      []string{bus.TopicAuditEvents},
		Concurrency: 1,
		MaxBatch:    100,
	}
}
