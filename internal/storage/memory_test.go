package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func TestMemoryTenantStoreCreateGet(t *testing.T) {
	store := NewMemoryTenantStore()
	ctx := context.Background()

	tenant := &models.Tenant{ID: "t1", Name: "Acme"}
	require.NoError(t, store.Create(ctx, tenant))
	require.ErrorIs(t, store.Create(ctx, tenant), ErrAlreadyExists)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Acme", got.Name)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySubjectStoreScopedByTenant(t *testing.T) {
	store := NewMemorySubjectStore()
	ctx := context.Background()

	subject := &models.Subject{ID: "s1", TenantID: "t1"}
	require.NoError(t, store.Create(ctx, subject))

	_, err := store.GetSubject(ctx, "t2", "s1")
	require.ErrorIs(t, err, ErrNotFound, "a subject id must not resolve under the wrong tenant")

	got, err := store.GetSubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)

	got.RevokeConsent(models.ChannelEmail)
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.GetSubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.False(t, updated.HasConsent(models.ChannelEmail))
}

func TestMemoryEventStoreFingerprintUniqueness(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	ev := &models.Event{ID: "e1", TenantID: "t1", Fingerprint: "fp-1"}
	require.NoError(t, store.Create(ctx, ev))

	dup := &models.Event{ID: "e2", TenantID: "t1", Fingerprint: "fp-1"}
	require.ErrorIs(t, store.Create(ctx, dup), ErrAlreadyExists)

	sameFPOtherTenant := &models.Event{ID: "e3", TenantID: "t2", Fingerprint: "fp-1"}
	require.NoError(t, store.Create(ctx, sameFPOtherTenant), "fingerprint uniqueness is per tenant")

	found, ok, err := store.FindByFingerprint(ctx, "t1", "fp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "e1", found.ID)

	_, ok, err = store.FindByFingerprint(ctx, "t1", "never-seen")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemorySubjectContextUpsert(t *testing.T) {
	store := NewMemorySubjectContextStore()
	ctx := context.Background()

	c := &models.SubjectContext{TenantID: "t1", SubjectID: "s1", Stage: models.StageNew, Views: 1}
	require.NoError(t, store.Upsert(ctx, c))

	c.Views = 5
	c.Stage = models.StageEngaged
	require.NoError(t, store.Upsert(ctx, c))

	got, err := store.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Views)
	require.Equal(t, models.StageEngaged, got.Stage)
}

func TestMemoryWorkflowStoreVersioning(t *testing.T) {
	store := NewMemoryWorkflowStore()
	ctx := context.Background()

	wf := &models.Workflow{ID: "w1", TenantID: "t1", Version: 1, Goal: "book a demo"}
	require.NoError(t, store.Create(ctx, wf))

	updated := *wf
	updated.Version = 2
	updated.Goal = "book a call"
	version := &models.WorkflowVersion{
		WorkflowID:      "w1",
		Version:         2,
		PreviousVersion: 1,
		Diff:            []models.FieldDiff{{Field: "goal", Old: "book a demo", New: "book a call"}},
	}
	require.NoError(t, store.Update(ctx, &updated, version))

	got, err := store.Get(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, "book a call", got.Goal)

	versions, err := store.ListVersions(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "goal", versions[0].Diff[0].Field)

	require.ErrorIs(t, store.Update(ctx, &models.Workflow{ID: "missing"}, nil), ErrNotFound)
}

func TestMemoryConversationThreadListStale(t *testing.T) {
	store := NewMemoryConversationThreadStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	active := &models.ConversationThread{ID: "c1", State: models.ThreadActive, UpdatedAt: now.Add(-48 * time.Hour)}
	recent := &models.ConversationThread{ID: "c2", State: models.ThreadActive, UpdatedAt: now}
	resolved := &models.ConversationThread{ID: "c3", State: models.ThreadResolved, UpdatedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, store.Create(ctx, active))
	require.NoError(t, store.Create(ctx, recent))
	require.NoError(t, store.Create(ctx, resolved))

	stale, err := store.ListStale(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1, "only the old, non-terminal thread is stale")
	require.Equal(t, "c1", stale[0].ID)
}

func TestMemoryPolicyRuleStoreUpsert(t *testing.T) {
	store := NewMemoryPolicyRuleStore()
	ctx := context.Background()

	rule := &models.PolicyRule{TenantID: "t1", Key: "quiet_start_hour", Value: "22"}
	require.NoError(t, store.Upsert(ctx, rule))

	rule.Value = "23"
	require.NoError(t, store.Upsert(ctx, rule))

	got, err := store.Get(ctx, "t1", "quiet_start_hour")
	require.NoError(t, err)
	require.Equal(t, "23", got.Value)

	_, err = store.Get(ctx, "t1", "missing_key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryActionStoreListBySubject(t *testing.T) {
	store := NewMemoryActionStore()
	ctx := context.Background()

	a1 := &models.Action{ID: "a1", TenantID: "t1", SubjectID: "s1", Status: models.ActionExecuted}
	a2 := &models.Action{ID: "a2", TenantID: "t1", SubjectID: "s2", Status: models.ActionScheduled}
	require.NoError(t, store.Create(ctx, a1))
	require.NoError(t, store.Create(ctx, a2))

	actions, err := store.ListBySubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "a1", actions[0].ID)

	a1.Status = models.ActionFailed
	require.NoError(t, store.Update(ctx, a1))
	require.ErrorIs(t, store.Update(ctx, &models.Action{ID: "missing"}), ErrNotFound)
}

func TestNewMemoryStoresWiresEverything(t *testing.T) {
	stores := NewMemoryStores()
	require.NotNil(t, stores.Tenants)
	require.NotNil(t, stores.Subjects)
	require.NotNil(t, stores.Events)
	require.NotNil(t, stores.SubjectContexts)
	require.NotNil(t, stores.Workflows)
	require.NotNil(t, stores.WorkflowExecutions)
	require.NotNil(t, stores.ConversationThreads)
	require.NotNil(t, stores.MissingToolRequests)
	require.NotNil(t, stores.PolicyRules)
	require.NotNil(t, stores.Actions)
	require.NoError(t, stores.Close())
}
