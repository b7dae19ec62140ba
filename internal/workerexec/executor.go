// Package workerexec is the bus-driven worker task executor: it
// subscribes to worker-task-assigned envelopes on the supervisor-tasks
// topic, dispatches each to a per-task-type handler (falling back to a
// generic handler that drives the tool-call chain a stage's required
// tools describe), and reports completion back on the task-results topic.
// This is deliberately not internal/jobqueue.Queue's TaskHandler path:
// that package is the secondary, in-process delivery mechanism for
// agent-invocation fan-out and scheduled actions, distinct from the
// cross-service bus envelope a worker-task-assigned event rides on.
// Dispatch here is shaped as a consumergroup.Handler instead.
package workerexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/dedupe"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/internal/workflowstore"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// TypeStageAction is the generic task type the supervisor dispatches for a
// plain stage action: fetch context, draft content, send on the stage's
// channel, fold the resulting event back into the subject's stage.
const TypeStageAction = "stage-action"

// TypeEscalate dispatches the escalate-to-human tool directly, for a
// decision-analyzer outcome that routes straight to a human handoff
// without a channel send.
const TypeEscalate = "escalate-to-human"

// Outcome is what a task handler reports back to Handle for the
// worker-task-completed envelope.
type Outcome struct {
	MissingTools []string
	Detail       map[string]any
}

// TaskHandlerFunc processes one dispatched WorkerTask.
type TaskHandlerFunc func(ctx context.Context, deps *Dependencies, task *models.WorkerTask) (Outcome, error)

// Dependencies are the collaborators every task handler needs.
type Dependencies struct {
	Tasks     jobqueue.Store
	Workflows *workflowstore.Store
	Executor  *toolkit.Executor
	Registry  *toolkit.Registry
	Planner   *planner.Planner
	Bus       bus.Bus
	Logger    *slog.Logger
}

// Executor dispatches worker-task-assigned envelopes to registered task
// handlers. It implements consumergroup.Handler via Handle.
type Executor struct {
	deps     Dependencies
	handlers map[string]TaskHandlerFunc
}

// New builds an Executor with the built-in stage-action and
// escalate-to-human handlers registered.
func New(deps Dependencies) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Executor{
		deps:     deps,
		handlers: make(map[string]TaskHandlerFunc),
	}
	e.RegisterHandler(TypeStageAction, handleStageAction)
	e.RegisterHandler(TypeEscalate, handleEscalate)
	return e
}

// RegisterHandler adds or replaces the handler for taskType.
func (e *Executor) RegisterHandler(taskType string, handler TaskHandlerFunc) {
	e.handlers[taskType] = handler
}

// Handle implements consumergroup.Handler over worker-task-assigned
// envelopes. A non-nil return routes the envelope to the
// consumer group's DLQ sink; task-level failures are instead recorded on
// the task row itself and reported via a worker-task-completed envelope,
// so a handler failure does not also trigger bus-level redelivery.
func (e *Executor) Handle(ctx context.Context, msg bus.Delivered) error {
	var task models.WorkerTask
	if err := msg.Envelope.Unmarshal(&task); err != nil {
		return fmt.Errorf("workerexec: decode envelope payload: %w", err)
	}

	current, err := e.deps.Tasks.Get(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("workerexec: load task %s: %w", task.ID, err)
	}
	if current != nil && dedupe.TaskAlreadyHandled(current.Status) {
		e.deps.Logger.Debug("workerexec: ignoring redelivery of handled task", "task_id", task.ID, "status", current.Status)
		return nil
	}
	if current == nil {
		if err := e.deps.Tasks.Enqueue(ctx, &task); err != nil {
			return fmt.Errorf("workerexec: register task %s: %w", task.ID, err)
		}
	}
	if err := e.deps.Tasks.MarkRunning(ctx, task.ID); err != nil {
		return fmt.Errorf("workerexec: mark task %s running: %w", task.ID, err)
	}

	handler, ok := e.handlers[task.Type]
	if !ok {
		handler = handleStageAction
	}

	outcome, runErr := handler(ctx, &e.deps, &task)

	if runErr != nil {
		if markErr := e.deps.Tasks.MarkFailed(ctx, task.ID, runErr); markErr != nil {
			e.deps.Logger.Error("workerexec: mark task failed", "task_id", task.ID, "error", markErr)
		}
		e.publishCompleted(ctx, &task, models.TaskFailed, runErr.Error(), outcome)
		return nil
	}

	if err := e.deps.Tasks.MarkSucceeded(ctx, task.ID); err != nil {
		e.deps.Logger.Error("workerexec: mark task succeeded", "task_id", task.ID, "error", err)
	}
	e.publishCompleted(ctx, &task, models.TaskSucceeded, "", outcome)
	return nil
}

// completedPayload is the worker-task-completed envelope body.
type completedPayload struct {
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

func (e *Executor) publishCompleted(ctx context.Context, task *models.WorkerTask, status models.TaskStatus, errMsg string, outcome Outcome) {
	payload := completedPayload{
		TaskID:       task.ID,
		TenantID:     task.TenantID,
		WorkflowID:   task.WorkflowID,
		ExecutionID:  task.ExecutionID,
		AgentID:      task.AgentID,
		SubjectID:    task.SubjectID,
		Type:         task.Type,
		Status:       status,
		Error:        errMsg,
		MissingTools: outcome.MissingTools,
		Detail:       outcome.Detail,
	}
	env, err := bus.NewEnvelope(string(models.EventWorkerTaskCompleted), bus.PriorityNormal, "workerexec", task.ExecutionID, payload)
	if err != nil {
		e.deps.Logger.Error("workerexec: build completed envelope", "task_id", task.ID, "error", err)
		return
	}
	if err := e.deps.Bus.Publish(ctx, bus.TopicTaskResults, env); err != nil {
		e.deps.Logger.Error("workerexec: publish completed envelope", "task_id", task.ID, "error", err)
	}
}

func marshalParams(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
