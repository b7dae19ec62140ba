package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/internal/workflowstore"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// erroringClient always fails, forcing Planner.Plan onto its
// deterministic fallback so tests never depend on a real model.
type erroringClient struct{}

func (erroringClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", errors.New("no model configured")
}

func newTestSupervisor(t *testing.T) (*Supervisor, storage.SubjectStore) {
	t.Helper()
	workflows := workflowstore.New(storage.NewMemoryWorkflowStore(), storage.NewMemoryWorkflowExecutionStore())
	tasks := jobqueue.NewMemoryStore()
	registry := toolkit.NewRegistry(nil)
	p := planner.New(erroringClient{}, nil, time.Minute, nil)
	subjects := storage.NewMemorySubjectStore()
	b := bus.NewMemoryBus()
	return New(workflows, tasks, registry, p, subjects, b, nil), subjects
}

func TestOnboardCreatesWorkflowAndDelegatesFirstStage(t *testing.T) {
	sup, subjects := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, subjects.Create(ctx, &models.Subject{
		ID:       "s1",
		TenantID: "t1",
		Consent:  map[models.ChannelType]bool{models.ChannelEmail: true},
		Handles:  map[models.ChannelType]string{models.ChannelEmail: "s1@example.com"},
	}))

	workflow, execution, err := sup.Onboard(ctx, OnboardRequest{
		TenantID:   "t1",
		Purpose:    "sales",
		Goal:       "convert 3 subjects",
		Start:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC),
		SubjectIDs: []string{"s1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, workflow.ID)
	require.NotEmpty(t, execution.ID)
	require.Equal(t, workflow.FirstStage(), execution.CurrentStage)
}

func TestHandleOnboardedDecodesEnvelopeAndOnboards(t *testing.T) {
	sup, subjects := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, subjects.Create(ctx, &models.Subject{ID: "s1", TenantID: "t1"}))
	require.NoError(t, subjects.Create(ctx, &models.Subject{ID: "s2", TenantID: "t1"}))

	env, err := bus.NewEnvelope("tenant-onboarded", bus.PriorityNormal, "test", "", map[string]any{
		"tenant_id":        "t1",
		"worker_agent_ids": []string{"w1"},
		"subjects":         []string{"s1", "s2"},
		"purpose":          "sales",
		"goal":             "convert 3 subjects",
		"start_date":       "2025-01-01T00:00:00Z",
		"end_date":         "2025-01-08T00:00:00Z",
	})
	require.NoError(t, err)

	err = sup.HandleOnboarded(ctx, bus.Delivered{Topic: "tenant_events", Envelope: env})
	require.NoError(t, err)
}

func TestHandleOnboardedRejectsMissingTenantID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	env, err := bus.NewEnvelope("tenant-onboarded", bus.PriorityNormal, "test", "", map[string]any{
		"subjects": []string{"s1"},
	})
	require.NoError(t, err)

	err = sup.HandleOnboarded(context.Background(), bus.Delivered{Envelope: env})
	require.Error(t, err)
}

func TestHandleTaskResultMergesMetricsAndProgresses(t *testing.T) {
	sup, subjects := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, subjects.Create(ctx, &models.Subject{ID: "s1", TenantID: "t1"}))

	_, execution, err := sup.Onboard(ctx, OnboardRequest{
		TenantID:       "t1",
		Purpose:        "sales",
		Goal:           "convert 3 subjects",
		SubjectIDs:     []string{"s1"},
		WorkerAgentIDs: []string{"w1"},
	})
	require.NoError(t, err)

	// The fallback plan has a single intro stage, so delegation created
	// exactly one task for s1, assigned round-robin to w1.
	task, err := sup.tasks.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "s1", task.SubjectID)
	require.Equal(t, "w1", task.AgentID)
	require.Equal(t, execution.ID, task.ExecutionID)

	require.NoError(t, sup.tasks.MarkSucceeded(ctx, task.ID))

	env, err := bus.NewEnvelope("worker-task-completed", bus.PriorityNormal, "test", execution.ID, map[string]any{
		"task_id":      task.ID,
		"tenant_id":    task.TenantID,
		"workflow_id":  task.WorkflowID,
		"execution_id": task.ExecutionID,
		"agent_id":     task.AgentID,
		"subject_id":   task.SubjectID,
		"type":         task.Type,
		"status":       string(models.TaskSucceeded),
		"detail":       map[string]any{"channel": "email", "stage": "intro"},
	})
	require.NoError(t, err)

	require.NoError(t, sup.HandleTaskResult(ctx, bus.Delivered{Envelope: env}))

	updated, err := sup.workflows.GetExecutionFresh(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, updated.Metrics["tasks_completed"])
	require.Equal(t, 1.0, updated.Metrics["successful_tasks"])
	require.Equal(t, 1.0, updated.Metrics["messages_sent"])
	require.Equal(t, 1.0, updated.Metrics["email_sent"])
	require.NotEmpty(t, updated.Decisions)
	// The fallback plan has no second stage, so a progress decision on a
	// complete stage ends the execution.
	require.Equal(t, models.ExecutionCompleted, updated.Status)
}

func TestHandleTaskResultFailsFastOnUnknownTask(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	env, err := bus.NewEnvelope("worker-task-completed", bus.PriorityNormal, "test", "", map[string]any{
		"task_id":      "missing",
		"execution_id": "e1",
		"workflow_id":  "wf1",
		"status":       string(models.TaskSucceeded),
	})
	require.NoError(t, err)

	err = sup.HandleTaskResult(context.Background(), bus.Delivered{Envelope: env})
	require.Error(t, err)
}

func TestHandleMetricUpdateMergesAndDecides(t *testing.T) {
	sup, subjects := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, subjects.Create(ctx, &models.Subject{ID: "s1", TenantID: "t1"}))
	workflow, execution, err := sup.Onboard(ctx, OnboardRequest{
		TenantID:   "t1",
		Purpose:    "sales",
		Goal:       "convert subjects",
		SubjectIDs: []string{"s1"},
	})
	require.NoError(t, err)

	env, err := bus.NewEnvelope("workflow-metric-update", bus.PriorityNormal, "test", "", map[string]any{
		"execution_id": execution.ID,
		"metrics":      map[string]float64{"engagement_rate": 0.2},
	})
	require.NoError(t, err)

	err = sup.HandleMetricUpdate(ctx, bus.Delivered{Envelope: env})
	require.NoError(t, err)

	updated, err := sup.workflows.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, 0.2, updated.Metrics["engagement_rate"])
	require.NotEmpty(t, workflow.ID)
}

func TestHandleMetricUpdateRejectsMissingExecutionID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	env, err := bus.NewEnvelope("workflow-metric-update", bus.PriorityNormal, "test", "", map[string]any{
		"metrics": map[string]float64{"x": 1},
	})
	require.NoError(t, err)

	err = sup.HandleMetricUpdate(context.Background(), bus.Delivered{Envelope: env})
	require.Error(t, err)
}

func TestDelegateCountsOnlyReachableSubjects(t *testing.T) {
	sup, subjects := newTestSupervisor(t)
	ctx := context.Background()

	// s1 can receive email; s2 never consented and has no handle, so the
	// stage must not wait on a completion that can never arrive.
	require.NoError(t, subjects.Create(ctx, &models.Subject{
		ID:       "s1",
		TenantID: "t1",
		Consent:  map[models.ChannelType]bool{models.ChannelEmail: true},
		Handles:  map[models.ChannelType]string{models.ChannelEmail: "s1@example.com"},
	}))
	require.NoError(t, subjects.Create(ctx, &models.Subject{ID: "s2", TenantID: "t1"}))

	workflow := &models.Workflow{
		TenantID:      "t1",
		WorkerPoolIDs: []string{"w1"},
		Purpose:       "sales",
		Goal:          "convert",
		Type:          models.WorkflowSequential,
		StageOrder:    []string{"intro"},
		Stages: map[string]models.WorkflowStage{
			"intro": {Name: "intro", RequiredTools: []string{"send-email"}},
		},
	}
	require.NoError(t, sup.workflows.CreateWorkflow(ctx, workflow))
	execution := &models.WorkflowExecution{
		WorkflowID:      workflow.ID,
		WorkflowVersion: workflow.Version,
		TenantID:        "t1",
		SubjectIDs:      []string{"s1", "s2"},
		CurrentStage:    "intro",
	}
	require.NoError(t, sup.workflows.CreateExecution(ctx, execution))

	require.NoError(t, sup.Delegate(ctx, workflow, execution, "intro"))

	task, err := sup.tasks.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, "s1", task.SubjectID)
	next, err := sup.tasks.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, next, "the unreachable subject must not get a task")

	updated, err := sup.workflows.GetExecutionFresh(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, updated.Metrics["stage_delegated:intro"])
	// One completion closes the stage even though the execution lists two
	// subjects.
	updated.MergeMetrics(map[string]float64{"stage_completed:intro": 1})
	require.True(t, stageComplete(updated))
}
