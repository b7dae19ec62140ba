package workerexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
	"github.com/outreach-orchestrator/runtime/internal/policyengine"
	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/internal/subjectcontext"
	"github.com/outreach-orchestrator/runtime/internal/threads"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/internal/toolkit/builtins"
	"github.com/outreach-orchestrator/runtime/internal/workflowstore"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type fakeSender struct{ sent []string }

func (f *fakeSender) Send(ctx context.Context, channel models.ChannelType, to, body string) error {
	f.sent = append(f.sent, string(channel)+":"+to+":"+body)
	return nil
}

func newTestExecutor(t *testing.T) (*Executor, *workflowstore.Store, bus.Bus, storage.StoreSet) {
	t.Helper()
	stores := storage.NewMemoryStores()
	registry := toolkit.NewRegistry(nil)
	contexts := subjectcontext.New(stores.SubjectContexts)
	convos := threads.New(stores.ConversationThreads, nil)
	builtins.Register(registry, contexts, convos, stores.Actions, policyengine.NewMemoryRateLimiter(0), &fakeSender{})

	executor := toolkit.NewExecutor(registry, registry, nil, nil, nil)
	workflows := workflowstore.New(stores.Workflows, stores.WorkflowExecutions)
	b := bus.NewMemoryBus()

	exec := New(Dependencies{
		Tasks:     jobqueue.NewMemoryStore(),
		Workflows: workflows,
		Executor:  executor,
		Registry:  registry,
		Bus:       b,
	})
	return exec, workflows, b, stores
}

func seedWorkflow(t *testing.T, workflows *workflowstore.Store) (*models.Workflow, *models.WorkflowExecution) {
	t.Helper()
	ctx := context.Background()

	workflow := &models.Workflow{
		TenantID:   "t1",
		Purpose:    "book a demo",
		Goal:       "bookings",
		Type:       models.WorkflowSequential,
		StageOrder: []string{"intro"},
		Stages: map[string]models.WorkflowStage{
			"intro": {Name: "intro", RequiredTools: []string{"send-email", "missing-tool"}, Actions: []string{"Hi there, want a demo?"}},
		},
	}
	require.NoError(t, workflows.CreateWorkflow(ctx, workflow))

	execution := &models.WorkflowExecution{
		WorkflowID: workflow.ID, TenantID: "t1", SubjectIDs: []string{"s1"}, CurrentStage: "intro",
	}
	require.NoError(t, workflows.CreateExecution(ctx, execution))
	return workflow, execution
}

func deliverTask(t *testing.T, b bus.Bus, task *models.WorkerTask) bus.Delivered {
	t.Helper()
	env, err := bus.NewEnvelope(string(models.EventWorkerTaskAssigned), bus.PriorityNormal, "test", task.ExecutionID, task)
	require.NoError(t, err)
	acked := false
	delivered := bus.Delivered{
		Topic:    bus.TopicSupervisorTasks,
		Envelope: env,
		Ack:      func() error { acked = true; return nil },
		Nak:      func() error { return nil },
	}
	_ = acked
	return delivered
}

func TestHandleStageActionSendsAndUpdatesStage(t *testing.T) {
	exec, workflows, b, stores := newTestExecutor(t)
	ctx := context.Background()
	workflow, execution := seedWorkflow(t, workflows)

	results, err := b.Subscribe(ctx, []string{bus.TopicTaskResults}, "test-results")
	require.NoError(t, err)

	task := &models.WorkerTask{
		ID: "task-1", TenantID: "t1", WorkflowID: workflow.ID, ExecutionID: execution.ID, SubjectID: "s1",
		Type: TypeStageAction,
		Payload: map[string]any{
			"stage": "intro", "channel": "email", "to": "subject@example.com",
		},
	}

	delivered := deliverTask(t, b, task)
	require.NoError(t, exec.Handle(ctx, delivered))

	stored, err := exec.deps.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskSucceeded, stored.Status)

	select {
	case msg := <-results.Messages():
		var payload completedPayload
		require.NoError(t, json.Unmarshal(msg.Envelope.Payload, &payload))
		require.Equal(t, models.TaskSucceeded, payload.Status)
		require.Equal(t, []string{"missing-tool"}, payload.MissingTools)
	default:
		t.Fatal("expected a worker-task-completed envelope")
	}

	subjectCtx, err := stores.SubjectContexts.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), subjectCtx.SendsByChannel["email"])

	actions, err := stores.Actions.ListBySubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestHandleIgnoresRedeliveryOfSucceededTask(t *testing.T) {
	exec, workflows, b, _ := newTestExecutor(t)
	ctx := context.Background()
	workflow, execution := seedWorkflow(t, workflows)

	task := &models.WorkerTask{
		ID: "task-2", TenantID: "t1", WorkflowID: workflow.ID, ExecutionID: execution.ID, SubjectID: "s1",
		Type: TypeStageAction, Payload: map[string]any{"stage": "intro", "channel": "email", "to": "a@b.com"},
	}
	require.NoError(t, exec.deps.Tasks.Enqueue(ctx, task))
	require.NoError(t, exec.deps.Tasks.MarkSucceeded(ctx, task.ID))

	delivered := deliverTask(t, b, task)
	require.NoError(t, exec.Handle(ctx, delivered))

	// No second send should have been recorded; the handler no-opped.
}

func TestHandleStageActionWithoutChannelSkipsSend(t *testing.T) {
	exec, workflows, b, _ := newTestExecutor(t)
	ctx := context.Background()
	workflow, execution := seedWorkflow(t, workflows)

	task := &models.WorkerTask{
		ID: "task-3", TenantID: "t1", WorkflowID: workflow.ID, ExecutionID: execution.ID, SubjectID: "s1",
		Type: TypeStageAction, Payload: map[string]any{"stage": "intro"},
	}
	delivered := deliverTask(t, b, task)
	require.NoError(t, exec.Handle(ctx, delivered))

	stored, err := exec.deps.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskSucceeded, stored.Status)
}

func TestHandleEscalateDispatchesTool(t *testing.T) {
	exec, workflows, b, stores := newTestExecutor(t)
	ctx := context.Background()
	workflow, execution := seedWorkflow(t, workflows)

	task := &models.WorkerTask{
		ID: "task-4", TenantID: "t1", WorkflowID: workflow.ID, ExecutionID: execution.ID, SubjectID: "s1",
		Type: TypeEscalate, Payload: map[string]any{"reason": "subject asked for a human"},
	}
	delivered := deliverTask(t, b, task)
	require.NoError(t, exec.Handle(ctx, delivered))

	stored, err := exec.deps.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskSucceeded, stored.Status)

	threadsList, err := stores.ConversationThreads.ListStale(ctx, execution.CreatedAt)
	require.NoError(t, err)
	_ = threadsList
}

func TestHandleUnknownTaskTypeFallsBackToStageAction(t *testing.T) {
	exec, workflows, b, _ := newTestExecutor(t)
	ctx := context.Background()
	workflow, execution := seedWorkflow(t, workflows)

	task := &models.WorkerTask{
		ID: "task-5", TenantID: "t1", WorkflowID: workflow.ID, ExecutionID: execution.ID, SubjectID: "s1",
		Type: "some-custom-type", Payload: map[string]any{"stage": "intro", "channel": "email", "to": "a@b.com"},
	}
	delivered := deliverTask(t, b, task)
	require.NoError(t, exec.Handle(ctx, delivered))

	stored, err := exec.deps.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskSucceeded, stored.Status)
}
