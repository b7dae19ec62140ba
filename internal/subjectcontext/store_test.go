package subjectcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func TestStoreReduceCreatesOnFirstEvent(t *testing.T) {
	backend := storage.NewMemorySubjectContextStore()
	store := New(backend)
	ctx := context.Background()

	event := &models.Event{TenantID: "t1", SubjectID: "s1", Type: models.EventPageView, Timestamp: time.Now()}
	got, err := store.Reduce(ctx, event)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Views)
	require.Equal(t, models.StageNew, got.Stage)

	persisted, err := backend.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1), persisted.Views)
}

func TestStoreReduceAccumulatesAcrossEvents(t *testing.T) {
	backend := storage.NewMemorySubjectContextStore()
	store := New(backend)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Reduce(ctx, &models.Event{TenantID: "t1", SubjectID: "s1", Type: models.EventPageView, Timestamp: now})
	require.NoError(t, err)
	_, err = store.Reduce(ctx, &models.Event{TenantID: "t1", SubjectID: "s1", Type: models.EventEmailOpened, Timestamp: now})
	require.NoError(t, err)
	got, err := store.Reduce(ctx, &models.Event{TenantID: "t1", SubjectID: "s1", Type: models.EventEmailOpened, Timestamp: now})
	require.NoError(t, err)

	require.Equal(t, int64(1), got.Views)
	require.Equal(t, int64(2), got.Opens)
	require.Equal(t, models.StageEngaged, got.Stage)
}

func TestStoreGetReturnsFreshContextWhenUnseen(t *testing.T) {
	store := New(storage.NewMemorySubjectContextStore())
	got, err := store.Get(context.Background(), "t1", "never-seen")
	require.NoError(t, err)
	require.Equal(t, models.StageNew, got.Stage)
	require.Equal(t, "never-seen", got.SubjectID)
}
