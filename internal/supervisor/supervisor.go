// Package supervisor implements the orchestrator: the onboarding flow
// that turns a tenant's campaign brief into a planned workflow and its
// first round of delegated tasks, the task-completed reaction that merges
// results back into execution metrics and asks the planner's decision
// analyzer what to do next, and the delegation logic that turns a stage
// into one worker-task-assigned envelope per subject.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/internal/workerexec"
	"github.com/outreach-orchestrator/runtime/internal/workflowstore"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// SubjectLookup is the persistence slice Supervisor needs to resolve a
// subject's channel handle and consent before delegating a send.
type SubjectLookup interface {
	GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error)
}

// Supervisor runs the onboarding, delegation, and decision reactions
//.
type Supervisor struct {
	workflows *workflowstore.Store
	tasks     jobqueue.Store
	registry  *toolkit.Registry
	planner   *planner.Planner
	subjects  SubjectLookup
	bus       bus.Bus
	logger    *slog.Logger
}

// New builds a Supervisor.
func New(workflows *workflowstore.Store, tasks jobqueue.Store, registry *toolkit.Registry, p *planner.Planner, subjects SubjectLookup, b bus.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		workflows: workflows, tasks: tasks, registry: registry,
		planner: p, subjects: subjects, bus: b,
		logger: logger.With("component", "supervisor"),
	}
}

// OnboardRequest describes a new campaign.
type OnboardRequest struct {
	TenantID       string
	Purpose        string
	Goal           string
	Start, End     time.Time
	SubjectIDs     []string
	WorkerAgentIDs []string
	TenantProfile  map[string]any
}

// Onboard synthesizes a plan via the planner, persists the workflow and
// its first execution, logs any tools the plan called for that the
// registry doesn't have, and delegates the first stage.
func (s *Supervisor) Onboard(ctx context.Context, req OnboardRequest) (*models.Workflow, *models.WorkflowExecution, error) {
	tools := s.registry.List()
	toolNames := make([]string, 0, len(tools))
	toolSchemas := make(map[string]json.RawMessage, len(tools))
	for _, t := range tools {
		toolNames = append(toolNames, t.Name())
		toolSchemas[t.Name()] = t.Schema()
	}

	plan := s.planner.Plan(ctx, planner.PlanRequest{
		TenantProfile:  req.TenantProfile,
		Purpose:        req.Purpose,
		Goal:           req.Goal,
		Start:          req.Start,
		End:            req.End,
		SubjectCount:   len(req.SubjectIDs),
		AvailableTools: toolNames,
		ToolSchemas:    toolSchemas,
	})

	workflow := &models.Workflow{
		TenantID:         req.TenantID,
		WorkerPoolIDs:    req.WorkerAgentIDs,
		Purpose:          req.Purpose,
		Goal:             req.Goal,
		Type:             plan.WorkflowType,
		Start:            req.Start,
		End:              req.End,
		Stages:           plan.Stages,
		StageOrder:       plan.StageOrder,
		MetricThresholds: plan.MetricThresholds,
		AvailableTools:   toolNames,
		MissingTools:     plan.MissingTools,
	}
	if err := s.workflows.CreateWorkflow(ctx, workflow); err != nil {
		return nil, nil, fmt.Errorf("supervisor: create workflow: %w", err)
	}

	execution := &models.WorkflowExecution{
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        req.TenantID,
		SubjectIDs:      req.SubjectIDs,
		CurrentStage:    workflow.FirstStage(),
	}
	if err := s.workflows.CreateExecution(ctx, execution); err != nil {
		return nil, nil, fmt.Errorf("supervisor: create execution: %w", err)
	}

	for _, toolName := range plan.MissingTools {
		if err := s.registry.LogMissingToolWithDetail(ctx, req.TenantID, toolName, workflow.ID, "", "normal", "requested by onboarding plan"); err != nil {
			s.logger.Warn("supervisor: log missing tool", "tool", toolName, "error", err)
		}
	}

	if workflow.FirstStage() != "" {
		if err := s.Delegate(ctx, workflow, execution, workflow.FirstStage()); err != nil {
			s.logger.Error("supervisor: initial delegation failed", "workflow_id", workflow.ID, "error", err)
		}
	}

	return workflow, execution, nil
}

// Delegate turns stageName into one worker-task-assigned envelope per
// subject in execution.SubjectIDs. Each task is persisted before its
// envelope is published, one subject at a time, so a persist failure for
// one subject never produces a bus envelope with no backing task row.
// The number of tasks actually created is recorded as the stage's
// "stage_delegated" metric: subjects skipped here (no consent, no
// handle) never produce a completion event, so stage completion must be
// measured against the delegated count, not the full subject list.
func (s *Supervisor) Delegate(ctx context.Context, workflow *models.Workflow, execution *models.WorkflowExecution, stageName string) error {
	stage, ok := workflow.Stages[stageName]
	if !ok {
		return fmt.Errorf("supervisor: workflow %s has no stage %q", workflow.ID, stageName)
	}
	channel := channelFromRequiredTools(stage.RequiredTools)

	var firstErr error
	delegated := 0
	for i, subjectID := range execution.SubjectIDs {
		to, skip := s.resolveRecipient(ctx, workflow.TenantID, subjectID, channel)
		if skip {
			continue
		}

		task := &models.WorkerTask{
			ID:             uuid.NewString(),
			TenantID:       workflow.TenantID,
			WorkflowID:     workflow.ID,
			ExecutionID:    execution.ID,
			SubjectID:      subjectID,
			AgentID:        pickWorker(workflow.WorkerPoolIDs, i),
			Type:           workerexec.TypeStageAction,
			IdempotencyKey: fmt.Sprintf("%s:%s:%s", execution.ID, stageName, subjectID),
			Payload: map[string]any{
				"stage":   stageName,
				"channel": channel,
				"to":      to,
			},
		}
		if err := s.tasks.Enqueue(ctx, task); err != nil {
			s.logger.Error("supervisor: enqueue task failed, skipping publish", "subject_id", subjectID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delegated++

		env, err := bus.NewEnvelope(string(models.EventWorkerTaskAssigned), bus.PriorityHigh, "supervisor", subjectID, task)
		if err != nil {
			s.logger.Error("supervisor: build task envelope failed", "subject_id", subjectID, "error", err)
			continue
		}
		if err := s.bus.Publish(ctx, bus.TopicSupervisorTasks, env); err != nil {
			s.logger.Error("supervisor: publish task envelope failed", "subject_id", subjectID, "error", err)
		}
	}

	if delegated > 0 {
		if _, err := s.workflows.MergeExecutionMetrics(ctx, execution.ID, map[string]float64{
			"stage_delegated:" + stageName: float64(delegated),
		}); err != nil {
			s.logger.Error("supervisor: record delegated count", "execution_id", execution.ID, "stage", stageName, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// resolveRecipient looks up the subject's handle for channel and reports
// whether delegation should skip this subject (no handle, or consent
// revoked). A stage with no channel (an internal-only step) still
// delegates a task per subject, just with no recipient. The hard consent
// check still happens in the policy gate inside the send tool's executor
// call; this is just a cheap pre-filter so a revoked subject never queues
// a doomed task.
func (s *Supervisor) resolveRecipient(ctx context.Context, tenantID, subjectID, channel string) (to string, skip bool) {
	if s.subjects == nil || channel == "" {
		return "", false
	}
	subject, err := s.subjects.GetSubject(ctx, tenantID, subjectID)
	if err != nil {
		s.logger.Warn("supervisor: load subject failed, skipping delegation", "subject_id", subjectID, "error", err)
		return "", true
	}
	ch := models.ChannelType(channel)
	if !subject.HasConsent(ch) {
		s.logger.Info("supervisor: subject has no consent for channel, skipping", "subject_id", subjectID, "channel", channel)
		return "", true
	}
	handle, ok := subject.Handles[ch]
	if !ok || handle == "" {
		s.logger.Warn("supervisor: subject has no handle for channel, skipping", "subject_id", subjectID, "channel", channel)
		return "", true
	}
	return handle, false
}

// pickWorker assigns the i-th subject's task round-robin over the
// workflow's worker pool, or leaves the task unassigned when the
// onboarding event named no workers.
func pickWorker(pool []string, i int) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[i%len(pool)]
}

// channelFromRequiredTools picks the first send-<channel> tool named in
// tools, or "" if the stage names none (an internal-only stage).
func channelFromRequiredTools(tools []string) string {
	for _, name := range tools {
		if len(name) > 5 && name[:5] == "send-" {
			return name[5:]
		}
	}
	return ""
}
