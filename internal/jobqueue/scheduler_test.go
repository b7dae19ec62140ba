package jobqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler(nil)
	err := s.AddJob("bad", "not-a-cron-expr", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestScheduler_AddJobAcceptsValidExpression(t *testing.T) {
	s := NewScheduler(nil)
	err := s.AddJob("every-minute", "0 * * * * *", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestEnqueueScheduledAction_EnqueuesTask(t *testing.T) {
	store := NewMemoryStore()
	q := NewQueue(store, nil, 0)

	fn := EnqueueScheduledAction(q, "tenant-1", "nightly-digest", func() map[string]any {
		return map[string]any{"n": 1}
	})
	require.NoError(t, fn(context.Background()))

	claimed, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "nightly-digest", claimed.Type)
	assert.Equal(t, "tenant-1", claimed.TenantID)
}
