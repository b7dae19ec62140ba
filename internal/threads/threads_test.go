package threads

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type stubWorkflowLinker struct {
	paused, resumed []string
	pauseErr        error
}

func (s *stubWorkflowLinker) Pause(ctx context.Context, executionID, reason string) error {
	if s.pauseErr != nil {
		return s.pauseErr
	}
	s.paused = append(s.paused, executionID)
	return nil
}

func (s *stubWorkflowLinker) Resume(ctx context.Context, executionID, reason string) error {
	s.resumed = append(s.resumed, executionID)
	return nil
}

func newTestStore(linker WorkflowLinker) (*Store, storage.ConversationThreadStore) {
	stores := storage.NewMemoryStores()
	return New(stores.ConversationThreads, linker), stores.ConversationThreads
}

func TestEscalateCreatesThreadAndPausesExecution(t *testing.T) {
	linker := &stubWorkflowLinker{}
	store, _ := newTestStore(linker)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{
		TenantID:       "t1",
		SubjectID:      "s1",
		ExecutionID:    "e1",
		AgentID:        "planner",
		Reason:         "unclear reply",
		SubjectMessage: "please stop emailing me",
		AgentNote:      "subject expressed confusion, escalating",
	})
	require.NoError(t, err)
	require.Equal(t, models.ThreadWaitingHuman, thread.State)
	require.Len(t, thread.Messages, 2)
	require.True(t, thread.PausedExecution)
	require.Equal(t, []string{"e1"}, linker.paused)
}

func TestEscalateWithoutMessagesSeedsNone(t *testing.T) {
	store, _ := newTestStore(nil)
	thread, err := store.Escalate(context.Background(), EscalateRequest{TenantID: "t1", SubjectID: "s1"})
	require.NoError(t, err)
	require.Empty(t, thread.Messages)
	require.False(t, thread.PausedExecution)
}

func TestAppendMessageTransitionsFSM(t *testing.T) {
	store, _ := newTestStore(nil)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1"})
	require.NoError(t, err)
	require.Equal(t, models.ThreadWaitingHuman, thread.State)

	updated, err := store.AppendMessage(ctx, thread.ID, "human", "agent-1", "how can I help?")
	require.NoError(t, err)
	require.Equal(t, models.ThreadWaitingSubject, updated.State)
	require.Len(t, updated.Messages, 1)

	updated, err = store.AppendMessage(ctx, thread.ID, "subject", "s1", "actually I'm fine, keep going")
	require.NoError(t, err)
	require.Equal(t, models.ThreadWaitingHuman, updated.State)
	require.Len(t, updated.Messages, 2)
}

func TestAppendMessageRejectsTerminalThread(t *testing.T) {
	store, _ := newTestStore(nil)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1"})
	require.NoError(t, err)

	_, err = store.Resolve(ctx, ResolveRequest{ThreadID: thread.ID, ResolvedBy: "agent-1", ResolutionNote: "handled"})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, thread.ID, "human", "agent-1", "too late")
	require.Error(t, err)
}

func TestResolveWithoutResumeDoesNotTouchWorkflow(t *testing.T) {
	linker := &stubWorkflowLinker{}
	store, _ := newTestStore(linker)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1", ExecutionID: "e1"})
	require.NoError(t, err)

	resolved, err := store.Resolve(ctx, ResolveRequest{ThreadID: thread.ID, ResolvedBy: "agent-1", ResolutionNote: "handled manually"})
	require.NoError(t, err)
	require.Equal(t, models.ThreadResolved, resolved.State)
	require.Empty(t, linker.resumed)
}

func TestResolveWithResumeCallsWorkflowResume(t *testing.T) {
	linker := &stubWorkflowLinker{}
	store, _ := newTestStore(linker)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1", ExecutionID: "e1"})
	require.NoError(t, err)

	resolved, err := store.Resolve(ctx, ResolveRequest{ThreadID: thread.ID, ResolvedBy: "agent-1", ResolutionNote: "back to automation", Resume: true})
	require.NoError(t, err)
	require.Equal(t, models.ThreadResumed, resolved.State)
	require.Equal(t, []string{"e1"}, linker.resumed)
}

func TestResolveTwiceFails(t *testing.T) {
	store, _ := newTestStore(nil)
	ctx := context.Background()

	thread, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1"})
	require.NoError(t, err)

	_, err = store.Resolve(ctx, ResolveRequest{ThreadID: thread.ID, ResolvedBy: "a1", ResolutionNote: "done"})
	require.NoError(t, err)

	_, err = store.Resolve(ctx, ResolveRequest{ThreadID: thread.ID, ResolvedBy: "a1", ResolutionNote: "again"})
	require.Error(t, err)
}

func TestAbandonStaleSweepsOnlyNonTerminal(t *testing.T) {
	store, backend := newTestStore(nil)
	ctx := context.Background()

	stale, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s1"})
	require.NoError(t, err)
	fresh, err := store.Escalate(ctx, EscalateRequest{TenantID: "t1", SubjectID: "s2"})
	require.NoError(t, err)

	stale.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, backend.Update(ctx, stale))

	n, err := store.AbandonStale(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadAbandoned, got.State)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadWaitingHuman, got.State)
}
