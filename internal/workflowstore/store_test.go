package workflowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func newTestStore() *Store {
	stores := storage.NewMemoryStores()
	return New(stores.Workflows, stores.WorkflowExecutions)
}

func TestCreateAndGetWorkflow(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	workflow := &models.Workflow{
		TenantID:   "t1",
		Purpose:    "win-back",
		Type:       models.WorkflowSequential,
		StageOrder: []string{"intro", "followup"},
		Stages: map[string]models.WorkflowStage{
			"intro":    {Name: "intro", DayOffset: 0},
			"followup": {Name: "followup", DayOffset: 3},
		},
	}
	require.NoError(t, store.CreateWorkflow(ctx, workflow))
	require.NotEmpty(t, workflow.ID)
	require.Equal(t, 1, workflow.Version)

	got, err := store.GetWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	require.Equal(t, "win-back", got.Purpose)
}

func TestReviseWorkflowAppendsVersionHistory(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	workflow := &models.Workflow{TenantID: "t1", Purpose: "initial", StageOrder: []string{"intro"}}
	require.NoError(t, store.CreateWorkflow(ctx, workflow))

	revised, err := store.ReviseWorkflow(ctx, workflow.ID, "tune messaging", "ops@example.com", func(w *models.Workflow) []models.FieldDiff {
		old := w.Purpose
		w.Purpose = "revised"
		return []models.FieldDiff{{Field: "purpose", Old: old, New: w.Purpose}}
	})
	require.NoError(t, err)
	require.Equal(t, "revised", revised.Purpose)
	require.Equal(t, 2, revised.Version)

	got, err := store.GetWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	require.Equal(t, "revised", got.Purpose)
	require.Equal(t, 2, got.Version)

	versions, err := store.ListWorkflowVersions(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, 2, versions[0].Version)
	require.Equal(t, 1, versions[0].PreviousVersion)
	require.Equal(t, "tune messaging", versions[0].Reason)
}

func TestReviseWorkflowNoopWhenNoDiffsReported(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	workflow := &models.Workflow{TenantID: "t1", Purpose: "initial"}
	require.NoError(t, store.CreateWorkflow(ctx, workflow))

	unchanged, err := store.ReviseWorkflow(ctx, workflow.ID, "no-op inspection", "ops@example.com", func(w *models.Workflow) []models.FieldDiff {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, unchanged.Version)

	versions, err := store.ListWorkflowVersions(ctx, workflow.ID)
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestCreateAndGetExecutionUsesCache(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	execution := &models.WorkflowExecution{
		WorkflowID:      "wf1",
		WorkflowVersion: 1,
		TenantID:        "t1",
		SubjectIDs:      []string{"s1", "s2"},
		CurrentStage:    "intro",
	}
	require.NoError(t, store.CreateExecution(ctx, execution))
	require.NotEmpty(t, execution.ID)
	require.Equal(t, models.ExecutionRunning, execution.Status)

	got, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, "intro", got.CurrentStage)

	got.CurrentStage = "mutated-by-caller"
	again, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, "intro", again.CurrentStage, "cached reads must return independent copies")
}

func TestRecordDecisionAppendsAndPersists(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	execution := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1", CurrentStage: "intro"}
	require.NoError(t, store.CreateExecution(ctx, execution))

	updated, err := store.RecordDecision(ctx, execution.ID, models.Decision{
		Decision:  "advance",
		FromStage: "intro",
		ToStage:   "followup",
	})
	require.NoError(t, err)
	require.Len(t, updated.Decisions, 1)
	require.Equal(t, "advance", updated.Decisions[0].Decision)
	require.False(t, updated.Decisions[0].Timestamp.IsZero())

	again, err := store.RecordDecision(ctx, execution.ID, models.Decision{Decision: "pause"})
	require.NoError(t, err)
	require.Len(t, again.Decisions, 2)
}

func TestLogToolUsageAppendsAndPersists(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	execution := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1", CurrentStage: "intro"}
	require.NoError(t, store.CreateExecution(ctx, execution))

	err := store.LogToolUsage(ctx, execution.ID, models.ToolCall{ToolName: "send-email", SubjectID: "s1"}, toolkit.Result{
		Success:   true,
		ElapsedMS: 42,
		ToolName:  "send-email",
	})
	require.NoError(t, err)

	got, err := store.GetExecutionFresh(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, got.ToolUsage, 1)
	require.Equal(t, "send-email", got.ToolUsage[0].ToolName)
	require.True(t, got.ToolUsage[0].Success)
	require.Equal(t, int64(42), got.ToolUsage[0].ElapsedMS)
}

func TestMergeExecutionMetricsAccumulatesPerKey(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	execution := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1"}
	require.NoError(t, store.CreateExecution(ctx, execution))

	_, err := store.MergeExecutionMetrics(ctx, execution.ID, map[string]float64{"opens": 1, "clicks": 0})
	require.NoError(t, err)
	updated, err := store.MergeExecutionMetrics(ctx, execution.ID, map[string]float64{"opens": 2, "replies": 1})
	require.NoError(t, err)

	require.InDelta(t, 3, updated.Metrics["opens"], 0.001)
	require.InDelta(t, 0, updated.Metrics["clicks"], 0.001)
	require.InDelta(t, 1, updated.Metrics["replies"], 0.001)
}

func TestListExecutionsByWorkflow(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	a := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1"}
	b := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1"}
	c := &models.WorkflowExecution{WorkflowID: "wf2", TenantID: "t1"}
	require.NoError(t, store.CreateExecution(ctx, a))
	require.NoError(t, store.CreateExecution(ctx, b))
	require.NoError(t, store.CreateExecution(ctx, c))

	list, err := store.ListExecutionsByWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestPauseAndResumeExecution(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	execution := &models.WorkflowExecution{WorkflowID: "wf1", TenantID: "t1"}
	require.NoError(t, store.CreateExecution(ctx, execution))

	require.NoError(t, store.Pause(ctx, execution.ID, "escalated to human"))
	paused, err := store.GetExecutionFresh(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionPaused, paused.Status)
	require.Equal(t, "paused", paused.Decisions[0].Decision)

	require.NoError(t, store.Resume(ctx, execution.ID, "escalation resolved"))
	resumed, err := store.GetExecutionFresh(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionRunning, resumed.Status)
	require.Equal(t, "resumed", resumed.Decisions[1].Decision)
}

func TestRollbackReplaysTargetVersionDiff(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	workflow := &models.Workflow{TenantID: "t1", Purpose: "initial", Goal: "book-demo"}
	require.NoError(t, store.CreateWorkflow(ctx, workflow))

	_, err := store.ReviseWorkflow(ctx, workflow.ID, "tune", "ops@example.com", func(w *models.Workflow) []models.FieldDiff {
		old := w.Purpose
		w.Purpose = "revised"
		return []models.FieldDiff{{Field: "purpose", Old: old, New: w.Purpose}}
	})
	require.NoError(t, err)

	_, err = store.ReviseWorkflow(ctx, workflow.ID, "tune again", "ops@example.com", func(w *models.Workflow) []models.FieldDiff {
		old := w.Purpose
		w.Purpose = "revised-again"
		return []models.FieldDiff{{Field: "purpose", Old: old, New: w.Purpose}}
	})
	require.NoError(t, err)

	rolled, err := store.Rollback(ctx, workflow.ID, 2, "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, "revised", rolled.Purpose)
	require.Equal(t, 4, rolled.Version, "rollback appends a new version, it never reuses version 2's number")

	versions, err := store.ListWorkflowVersions(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Contains(t, versions[2].Reason, "rollback")
}

func TestRollbackUnknownVersionErrors(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	workflow := &models.Workflow{TenantID: "t1", Purpose: "initial"}
	require.NoError(t, store.CreateWorkflow(ctx, workflow))

	_, err := store.Rollback(ctx, workflow.ID, 99, "ops@example.com")
	require.Error(t, err)
}
