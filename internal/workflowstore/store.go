// Package workflowstore owns versioned workflow definitions and the
// runtime state of executions pinned to them. It wraps
// internal/storage's WorkflowStore and WorkflowExecutionStore behind its
// own narrow interfaces (the policyengine/dedupe/subjectcontext pattern)
// and layers a short-lived read cache over Get calls the way
// internal/jobqueue layers backoff bookkeeping over its Store.
package workflowstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/infra"
	"github.com/outreach-orchestrator/runtime/internal/obsmetrics"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// WorkflowBackend is the persistence slice Store needs for workflow
// definitions; internal/storage's WorkflowStore satisfies it directly.
type WorkflowBackend interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Update(ctx context.Context, workflow *models.Workflow, version *models.WorkflowVersion) error
	ListVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error)
}

// ExecutionBackend is the persistence slice Store needs for execution
// state; internal/storage's WorkflowExecutionStore satisfies it directly.
type ExecutionBackend interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Update(ctx context.Context, execution *models.WorkflowExecution) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
}

// executionCacheTTL matches the cache window the supervisor's decision
// loop tolerates between a metric merge and the next read seeing it.
const executionCacheTTL = 5 * time.Minute

// Store reads and writes workflow definitions and executions, caching
// execution reads for executionCacheTTL to shave repeat-read load off a
// hot path: the supervisor polls the same running executions far more
// often than it mutates them.
type Store struct {
	workflows  WorkflowBackend
	executions ExecutionBackend
	execCache  *infra.TTLCache[string, *models.WorkflowExecution]
}

// New constructs a Store over the given backends.
func New(workflows WorkflowBackend, executions ExecutionBackend) *Store {
	return &Store{
		workflows:  workflows,
		executions: executions,
		execCache:  infra.NewTTLCache[string, *models.WorkflowExecution](infra.CacheConfig{DefaultTTL: executionCacheTTL}),
	}
}

// CreateWorkflow persists a new workflow definition, assigning an id and
// Version 1 when unset.
func (s *Store) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	if workflow.Version == 0 {
		workflow.Version = 1
	}
	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	return s.workflows.Create(ctx, workflow)
}

// GetWorkflow returns the current-version row for id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.workflows.Get(ctx, id)
}

// ListWorkflowVersions returns the append-only version history for a
// workflow, oldest first.
func (s *Store) ListWorkflowVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error) {
	return s.workflows.ListVersions(ctx, workflowID)
}

// ReviseWorkflow loads the current workflow, applies mutate to a copy,
// diffs the two, and persists the new current row plus an immutable
// WorkflowVersion recording what changed and why. mutate returns
// the field diffs it produced; a mutate that reports no diffs is a no-op
// and ReviseWorkflow returns the unchanged workflow without writing.
func (s *Store) ReviseWorkflow(ctx context.Context, id, reason, author string, mutate func(workflow *models.Workflow) []models.FieldDiff) (*models.Workflow, error) {
	current, err := s.workflows.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: load workflow %s: %w", id, err)
	}

	revised := *current
	diffs := mutate(&revised)
	if len(diffs) == 0 {
		return current, nil
	}

	changes := make(map[string]any, len(diffs))
	for _, d := range diffs {
		changes[d.Field] = map[string]any{"old": d.Old, "new": d.New}
	}

	previousVersion := revised.Version
	revised.Version = current.Version + 1
	revised.UpdatedAt = time.Now().UTC()

	version := &models.WorkflowVersion{
		ID:              uuid.NewString(),
		WorkflowID:      id,
		Version:         revised.Version,
		PreviousVersion: previousVersion,
		Changes:         changes,
		Reason:          reason,
		Author:          author,
		Diff:            diffs,
		CreatedAt:       revised.UpdatedAt,
	}

	if err := s.workflows.Update(ctx, &revised, version); err != nil {
		return nil, fmt.Errorf("workflowstore: update workflow %s: %w", id, err)
	}
	return &revised, nil
}

// CreateExecution persists a new execution, assigning an id and
// defaulting Status to running when unset.
func (s *Store) CreateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution.ID == "" {
		execution.ID = uuid.NewString()
	}
	if execution.Status == "" {
		execution.Status = models.ExecutionRunning
	}
	now := time.Now().UTC()
	execution.CreatedAt = now
	execution.UpdatedAt = now
	if err := s.executions.Create(ctx, execution); err != nil {
		return err
	}
	s.execCache.Set(execution.ID, cloneExecution(execution))
	return nil
}

// GetExecution returns the execution by id, serving a cached copy when
// available. Callers that are about to mutate and persist the execution
// should use GetExecutionFresh instead, to avoid racing a concurrent
// writer's cache entry.
func (s *Store) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if cached, ok := s.execCache.Get(id); ok {
		obsmetrics.ExecutionCacheRequests.WithLabelValues("hit").Inc()
		return cloneExecution(cached), nil
	}
	obsmetrics.ExecutionCacheRequests.WithLabelValues("miss").Inc()
	execution, err := s.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.execCache.Set(id, cloneExecution(execution))
	return execution, nil
}

// GetExecutionFresh bypasses the cache and reads the execution directly
// from the backend, for callers about to mutate and persist it.
func (s *Store) GetExecutionFresh(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	execution, err := s.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.execCache.Set(id, cloneExecution(execution))
	return execution, nil
}

// UpdateExecution persists the full execution row (the "modified field"
// protocol documented on models.WorkflowExecution.AppendDecision and
// MergeMetrics: the storage layer does no per-field dirty tracking, so
// the caller must pass the complete row after mutating any embedded
// slice or map) and refreshes the cache entry.
func (s *Store) UpdateExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	execution.UpdatedAt = time.Now().UTC()
	if err := s.executions.Update(ctx, execution); err != nil {
		return err
	}
	obsmetrics.ExecutionStatusTransitions.WithLabelValues(string(execution.Status)).Inc()
	s.execCache.Set(execution.ID, cloneExecution(execution))
	return nil
}

// ListExecutionsByWorkflow returns every execution pinned to workflowID.
func (s *Store) ListExecutionsByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	return s.executions.ListByWorkflow(ctx, workflowID)
}

// RecordDecision loads the execution fresh, appends d to its decision
// log, and persists the result in one step, so two concurrent callers
// appending decisions to the same execution never clobber each other's
// entry (each read-modify-write uses the uncached, just-read row).
func (s *Store) RecordDecision(ctx context.Context, executionID string, d models.Decision) (*models.WorkflowExecution, error) {
	execution, err := s.GetExecutionFresh(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: load execution %s: %w", executionID, err)
	}
	execution.AppendDecision(d)
	if err := s.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("workflowstore: persist decision on execution %s: %w", executionID, err)
	}
	return execution, nil
}

// LogToolUsage implements internal/toolkit.ExecutionLogger:
// loads the execution fresh, appends a tool-usage entry, and persists the
// result in one step, the same read-modify-write shape RecordDecision
// uses so two concurrent tool calls against the same execution don't
// clobber each other's entry.
func (s *Store) LogToolUsage(ctx context.Context, executionID string, call models.ToolCall, result toolkit.Result) error {
	execution, err := s.GetExecutionFresh(ctx, executionID)
	if err != nil {
		return fmt.Errorf("workflowstore: load execution %s: %w", executionID, err)
	}
	execution.ToolUsage = append(execution.ToolUsage, models.ToolUsageEntry{
		Timestamp: result.Timestamp,
		ToolName:  call.ToolName,
		SubjectID: call.SubjectID,
		Success:   result.Success,
		ElapsedMS: result.ElapsedMS,
	})
	return s.UpdateExecution(ctx, execution)
}

// MergeExecutionMetrics loads the execution fresh, merges delta into its
// metrics key by key, and persists the result in one step.
func (s *Store) MergeExecutionMetrics(ctx context.Context, executionID string, delta map[string]float64) (*models.WorkflowExecution, error) {
	execution, err := s.GetExecutionFresh(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: load execution %s: %w", executionID, err)
	}
	execution.MergeMetrics(delta)
	if err := s.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("workflowstore: persist metrics on execution %s: %w", executionID, err)
	}
	return execution, nil
}

// Pause moves a running execution to paused and logs the reason as a
// decision entry, for the escalation path: a worker
// escalating to a human pauses the execution it was running.
func (s *Store) Pause(ctx context.Context, executionID, reason string) error {
	execution, err := s.GetExecutionFresh(ctx, executionID)
	if err != nil {
		return fmt.Errorf("workflowstore: load execution %s: %w", executionID, err)
	}
	execution.Status = models.ExecutionPaused
	execution.AppendDecision(models.Decision{Decision: "paused", Reasoning: reason})
	return s.UpdateExecution(ctx, execution)
}

// Resume moves a paused execution back to running and logs the reason as
// a decision entry.
func (s *Store) Resume(ctx context.Context, executionID, reason string) error {
	execution, err := s.GetExecutionFresh(ctx, executionID)
	if err != nil {
		return fmt.Errorf("workflowstore: load execution %s: %w", executionID, err)
	}
	execution.Status = models.ExecutionRunning
	execution.AppendDecision(models.Decision{Decision: "resumed", Reasoning: reason})
	return s.UpdateExecution(ctx, execution)
}

// Rollback applies a prior WorkflowVersion's captured field changes as a
// new revision rather than restoring a point-in-time snapshot: it
// replays the target version's diff forward, keeping the version history
// strictly append-only. A rollback to version 3 produces version N+1
// carrying version 3's changes, not a version N+1 identical to version
// 3's row.
func (s *Store) Rollback(ctx context.Context, workflowID string, toVersion int, author string) (*models.Workflow, error) {
	versions, err := s.workflows.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: list versions for %s: %w", workflowID, err)
	}

	var target *models.WorkflowVersion
	for _, v := range versions {
		if v.Version == toVersion {
			target = v
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("workflowstore: version %d not found for workflow %s", toVersion, workflowID)
	}

	reason := fmt.Sprintf("rollback: replaying changes from version %d", toVersion)
	return s.ReviseWorkflow(ctx, workflowID, reason, author, func(workflow *models.Workflow) []models.FieldDiff {
		diffs := make([]models.FieldDiff, 0, len(target.Diff))
		for _, d := range target.Diff {
			applyFieldChange(workflow, d.Field, d.New)
			diffs = append(diffs, models.FieldDiff{Field: d.Field, Old: d.Old, New: d.New})
		}
		return diffs
	})
}

// applyFieldChange writes value onto the workflow field named field. It
// covers the fields ReviseWorkflow callers actually diff (purpose, goal,
// stages, stage order, metric thresholds, available tools); any other
// field name is a no-op, since Rollback only ever replays diffs this
// store itself produced.
func applyFieldChange(workflow *models.Workflow, field string, value any) {
	switch field {
	case "purpose":
		if s, ok := value.(string); ok {
			workflow.Purpose = s
		}
	case "goal":
		if s, ok := value.(string); ok {
			workflow.Goal = s
		}
	case "stage_order":
		if order, ok := value.([]string); ok {
			workflow.StageOrder = order
		}
	case "stages":
		if stages, ok := value.(map[string]models.WorkflowStage); ok {
			workflow.Stages = stages
		}
	case "metric_thresholds":
		if thresholds, ok := value.([]models.MetricThreshold); ok {
			workflow.MetricThresholds = thresholds
		}
	case "available_tools":
		if tools, ok := value.([]string); ok {
			workflow.AvailableTools = tools
		}
	}
}

// cloneExecution returns a shallow copy of execution with its slice and
// map fields copied too, so a cached pointer can't be mutated through a
// caller's reference to a previously returned value.
func cloneExecution(execution *models.WorkflowExecution) *models.WorkflowExecution {
	clone := *execution
	if execution.SubjectIDs != nil {
		clone.SubjectIDs = append([]string(nil), execution.SubjectIDs...)
	}
	if execution.Metrics != nil {
		clone.Metrics = make(map[string]float64, len(execution.Metrics))
		for k, v := range execution.Metrics {
			clone.Metrics[k] = v
		}
	}
	if execution.Decisions != nil {
		clone.Decisions = append([]models.Decision(nil), execution.Decisions...)
	}
	if execution.ToolUsage != nil {
		clone.ToolUsage = append([]models.ToolUsageEntry(nil), execution.ToolUsage...)
	}
	if execution.MissingToolLog != nil {
		clone.MissingToolLog = append([]models.MissingToolAttempt(nil), execution.MissingToolLog...)
	}
	return &clone
}
