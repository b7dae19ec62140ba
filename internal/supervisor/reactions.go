package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/workerexec"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// tenantOnboardedPayload is the tenant-onboarded envelope body:
// tenant id, the worker agents and subjects in scope, the campaign brief,
// its window, and an opaque per-tenant config blob the planner may fold
// into its profile.
type tenantOnboardedPayload struct {
	TenantID       string         `json:"tenant_id"`
	WorkerAgentIDs []string       `json:"worker_agent_ids,omitempty"`
	Subjects       []string       `json:"subjects"`
	Purpose        string         `json:"purpose"`
	Goal           string         `json:"goal"`
	StartDate      time.Time      `json:"start_date"`
	EndDate        time.Time      `json:"end_date"`
	Config         map[string]any `json:"config,omitempty"`
}

// HandleOnboarded implements a consumergroup.Handler over tenant-onboarded
// envelopes: decode the
// campaign brief and run it through Onboard.
func (s *Supervisor) HandleOnboarded(ctx context.Context, msg bus.Delivered) error {
	var payload tenantOnboardedPayload
	if err := msg.Envelope.Unmarshal(&payload); err != nil {
		return fmt.Errorf("supervisor: decode tenant-onboarded: %w", err)
	}
	if payload.TenantID == "" {
		return fmt.Errorf("supervisor: tenant-onboarded missing tenant_id")
	}

	_, _, err := s.Onboard(ctx, OnboardRequest{
		TenantID:       payload.TenantID,
		Purpose:        payload.Purpose,
		Goal:           payload.Goal,
		Start:          payload.StartDate,
		End:            payload.EndDate,
		SubjectIDs:     payload.Subjects,
		WorkerAgentIDs: payload.WorkerAgentIDs,
		TenantProfile:  payload.Config,
	})
	if err != nil {
		return fmt.Errorf("supervisor: onboard from tenant-onboarded: %w", err)
	}
	return nil
}

// taskCompletedPayload mirrors internal/workerexec's completedPayload wire
// shape; supervisor decodes it independently rather than importing
// workerexec's unexported type.
type taskCompletedPayload struct {
	TaskID       string            `json:"task_id"`
	TenantID     string            `json:"tenant_id"`
	WorkflowID   string            `json:"workflow_id"`
	ExecutionID  string            `json:"execution_id"`
	AgentID      string            `json:"agent_id,omitempty"`
	SubjectID    string            `json:"subject_id,omitempty"`
	Type         string            `json:"type"`
	Status       models.TaskStatus `json:"status"`
	Error        string            `json:"error,omitempty"`
	MissingTools []string          `json:"missing_tools,omitempty"`
	Detail       map[string]any    `json:"detail,omitempty"`
}

// resultDelta extracts the task-type-specific metric delta from a
// completed-task payload: task and success/failure tallies,
// a per-stage completion counter keyed by the execution's current stage,
// and channel-send counters when the handler reported which channel it
// used.
func resultDelta(payload taskCompletedPayload, currentStage string) map[string]float64 {
	delta := map[string]float64{}
	switch payload.Status {
	case models.TaskSucceeded:
		delta["tasks_completed"] = 1
		delta["successful_tasks"] = 1
		if payload.Type == workerexec.TypeStageAction {
			delta["stage_completed:"+currentStage] = 1
		}
		if channel, ok := payload.Detail["channel"].(string); ok && channel != "" {
			delta["messages_sent"] = 1
			delta[channel+"_sent"] = 1
		}
	case models.TaskFailed:
		delta["tasks_failed"] = 1
		delta["failed_tasks"] = 1
	}
	return delta
}

// stageComplete reports whether every task delegated for the execution's
// current stage has completed. The denominator is the count Delegate
// recorded when it created the stage's tasks: subjects it skipped (no
// consent, no handle for the stage's channel) never produce a completion
// event and must not hold the stage open. Escalation tasks are excluded
// from the numerator (see resultDelta), so a side-channel human handoff
// can't close a stage with work outstanding.
func stageComplete(execution *models.WorkflowExecution) bool {
	delegated := execution.Metrics["stage_delegated:"+execution.CurrentStage]
	return delegated > 0 &&
		execution.Metrics["stage_completed:"+execution.CurrentStage] >= delegated
}

// HandleTaskResult implements a consumergroup.Handler over task_results
// envelopes: merge a metrics delta,
// log any missing tools the task hit, check whether the current stage is
// now complete for every subject, and run the decision analyzer.
func (s *Supervisor) HandleTaskResult(ctx context.Context, msg bus.Delivered) error {
	var payload taskCompletedPayload
	if err := msg.Envelope.Unmarshal(&payload); err != nil {
		return fmt.Errorf("supervisor: decode task result: %w", err)
	}
	if payload.ExecutionID == "" {
		return nil
	}

	if task, err := s.tasks.Get(ctx, payload.TaskID); err != nil {
		return fmt.Errorf("supervisor: load task %s: %w", payload.TaskID, err)
	} else if task == nil {
		return fmt.Errorf("supervisor: task %s not found for completed event", payload.TaskID)
	}
	workflow, err := s.workflows.GetWorkflow(ctx, payload.WorkflowID)
	if err != nil {
		return fmt.Errorf("supervisor: load workflow %s: %w", payload.WorkflowID, err)
	}
	current, err := s.workflows.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("supervisor: load execution %s: %w", payload.ExecutionID, err)
	}

	for _, toolName := range payload.MissingTools {
		if err := s.registry.LogMissingToolWithDetail(ctx, payload.TenantID, toolName, payload.WorkflowID, payload.SubjectID, "normal", "hit during "+payload.Type); err != nil {
			s.logger.Warn("supervisor: log missing tool", "tool", toolName, "error", err)
		}
	}

	execution, err := s.workflows.MergeExecutionMetrics(ctx, payload.ExecutionID, resultDelta(payload, current.CurrentStage))
	if err != nil {
		return fmt.Errorf("supervisor: merge metrics for execution %s: %w", payload.ExecutionID, err)
	}

	decisions := s.planner.Decide(ctx, planner.DecisionRequest{
		Goal:            workflow.Goal,
		Purpose:         workflow.Purpose,
		CurrentStage:    execution.CurrentStage,
		StageComplete:   stageComplete(execution),
		Metrics:         execution.Metrics,
		Thresholds:      workflow.MetricThresholds,
		AvailableStages: workflow.StageOrder,
	})

	for _, d := range decisions {
		s.applyDecision(ctx, workflow, execution, d)
	}
	return nil
}

// metricUpdatePayload is the workflow-metric-update envelope body:
// an out-of-band metrics delta for an execution, e.g. from an analytics
// stream processor rather than a worker task completion.
type metricUpdatePayload struct {
	ExecutionID string             `json:"execution_id"`
	Metrics     map[string]float64 `json:"metrics"`
}

// HandleMetricUpdate implements a consumergroup.Handler over
// workflow-metric-update envelopes. Unlike HandleTaskResult, the delta here is
// already computed by the caller (no task-type-specific extraction), so
// this reaction merges it and re-runs the same decision analyzer call.
func (s *Supervisor) HandleMetricUpdate(ctx context.Context, msg bus.Delivered) error {
	var payload metricUpdatePayload
	if err := msg.Envelope.Unmarshal(&payload); err != nil {
		return fmt.Errorf("supervisor: decode workflow-metric-update: %w", err)
	}
	if payload.ExecutionID == "" {
		return fmt.Errorf("supervisor: workflow-metric-update missing execution_id")
	}
	if len(payload.Metrics) == 0 {
		return nil
	}

	execution, err := s.workflows.MergeExecutionMetrics(ctx, payload.ExecutionID, payload.Metrics)
	if err != nil {
		return fmt.Errorf("supervisor: merge metrics for execution %s: %w", payload.ExecutionID, err)
	}
	workflow, err := s.workflows.GetWorkflow(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("supervisor: load workflow %s: %w", execution.WorkflowID, err)
	}

	decisions := s.planner.Decide(ctx, planner.DecisionRequest{
		Goal:            workflow.Goal,
		Purpose:         workflow.Purpose,
		CurrentStage:    execution.CurrentStage,
		StageComplete:   stageComplete(execution),
		Metrics:         execution.Metrics,
		Thresholds:      workflow.MetricThresholds,
		AvailableStages: workflow.StageOrder,
	})
	for _, d := range decisions {
		s.applyDecision(ctx, workflow, execution, d)
	}
	return nil
}

func (s *Supervisor) applyDecision(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, d planner.Decision) {
	entry := models.Decision{
		Decision:        string(d.Decision),
		Reasoning:       d.Reasoning,
		FromStage:       execution.CurrentStage,
		MetricsSnapshot: execution.Metrics,
	}

	switch d.Decision {
	case planner.DecisionProgressStage:
		if _, known := workflow.Stages[execution.CurrentStage]; !known {
			// Stage-progression invariant violated: the execution's
			// current stage is not in the workflow's stage set, so there
			// is no well-defined next stage. Log and fail the execution.
			s.logger.Error("supervisor: current stage not in workflow stages, failing execution",
				"execution_id", execution.ID, "current_stage", execution.CurrentStage)
			execution.Status = models.ExecutionFailed
			if err := s.workflows.UpdateExecution(ctx, execution); err != nil {
				s.logger.Error("supervisor: mark execution failed", "execution_id", execution.ID, "error", err)
			}
			entry.Decision = "failed"
			entry.Reasoning = "stage progression error: current stage not in workflow stages"
			break
		}
		next, ok := workflow.NextStage(execution.CurrentStage)
		if !ok {
			entry.Decision = string(planner.DecisionComplete)
			s.completeExecution(ctx, execution)
		} else {
			entry.ToStage = next
			execution.CurrentStage = next
			if err := s.workflows.UpdateExecution(ctx, execution); err != nil {
				s.logger.Error("supervisor: persist stage progression", "execution_id", execution.ID, "error", err)
			}
			if err := s.Delegate(ctx, workflow, execution, next); err != nil {
				s.logger.Error("supervisor: delegate next stage", "execution_id", execution.ID, "error", err)
			}
		}

	case planner.DecisionComplete:
		s.completeExecution(ctx, execution)

	case planner.DecisionAdjustWorkflow:
		s.escalate(ctx, workflow, execution, d.Reasoning)

	case planner.DecisionContinueStage:
		// No state change; the decision itself is still logged below.
	}

	if _, err := s.workflows.RecordDecision(ctx, execution.ID, entry); err != nil {
		s.logger.Error("supervisor: record decision", "execution_id", execution.ID, "error", err)
	}
}

func (s *Supervisor) completeExecution(ctx context.Context, execution *models.WorkflowExecution) {
	execution.Status = models.ExecutionCompleted
	if err := s.workflows.UpdateExecution(ctx, execution); err != nil {
		s.logger.Error("supervisor: mark execution completed", "execution_id", execution.ID, "error", err)
	}
}

// escalate dispatches a worker task that routes straight to the
// escalate-to-human tool, for an adjust-workflow decision the analyzer
// can't resolve mechanically.
func (s *Supervisor) escalate(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, reason string) {
	if len(execution.SubjectIDs) == 0 {
		return
	}
	subjectID := execution.SubjectIDs[0]
	task := &models.WorkerTask{
		ID:             uuid.NewString(),
		TenantID:       workflow.TenantID,
		WorkflowID:     workflow.ID,
		ExecutionID:    execution.ID,
		SubjectID:      subjectID,
		Type:           workerexec.TypeEscalate,
		IdempotencyKey: fmt.Sprintf("%s:escalate:%s", execution.ID, execution.CurrentStage),
		Payload:        map[string]any{"reason": reason},
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		s.logger.Error("supervisor: enqueue escalation task", "execution_id", execution.ID, "error", err)
		return
	}
	env, err := bus.NewEnvelope(string(models.EventWorkerTaskAssigned), bus.PriorityHigh, "supervisor", subjectID, task)
	if err != nil {
		s.logger.Error("supervisor: build escalation envelope", "execution_id", execution.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, bus.TopicSupervisorTasks, env); err != nil {
		s.logger.Error("supervisor: publish escalation envelope", "execution_id", execution.ID, "error", err)
	}
}
