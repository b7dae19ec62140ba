package dedupe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("t1", "s1", models.EventPageView, map[string]any{"url": "/p", "ref": "email"})
	b := Fingerprint("t1", "s1", models.EventPageView, map[string]any{"ref": "email", "url": "/p"})
	require.Equal(t, a, b, "key order in the payload map must not affect the fingerprint")

	c := Fingerprint("t1", "s1", models.EventPageView, map[string]any{"url": "/other"})
	require.NotEqual(t, a, c)

	d := Fingerprint("t1", "s2", models.EventPageView, map[string]any{"url": "/p", "ref": "email"})
	require.NotEqual(t, a, d, "different subject must change the fingerprint")
}

type fakeLookup struct {
	byFingerprint map[string]*models.Event
	calls         int
}

func (f *fakeLookup) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error) {
	f.calls++
	ev, ok := f.byFingerprint[tenantID+"|"+fingerprint]
	return ev, ok, nil
}

func TestCheckerShortCircuitsOnDuplicate(t *testing.T) {
	fp := Fingerprint("t1", "s1", models.EventPageView, map[string]any{"url": "/p"})
	existing := &models.Event{ID: "ev-1", TenantID: "t1", Fingerprint: fp}
	lookup := &fakeLookup{byFingerprint: map[string]*models.Event{"t1|" + fp: existing}}
	checker := NewChecker(lookup)

	ev, found, err := checker.Check(context.Background(), "t1", fp)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ev-1", ev.ID)

	// Second check hits the hot cache, not the store.
	callsBefore := lookup.calls
	ev2, found2, err := checker.Check(context.Background(), "t1", fp)
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, "ev-1", ev2.ID)
	require.Equal(t, callsBefore, lookup.calls, "cache hit must not re-query the store")
}

func TestCheckerNewFingerprintNotFound(t *testing.T) {
	lookup := &fakeLookup{byFingerprint: map[string]*models.Event{}}
	checker := NewChecker(lookup)

	_, found, err := checker.Check(context.Background(), "t1", "not-seen")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCheckerEmptyFingerprintNeverDuplicate(t *testing.T) {
	lookup := &fakeLookup{byFingerprint: map[string]*models.Event{}}
	checker := NewChecker(lookup)

	_, found, err := checker.Check(context.Background(), "t1", "")
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, lookup.calls, "an empty fingerprint is never looked up")
}

func TestRememberPopulatesCacheWithoutStoreRoundTrip(t *testing.T) {
	lookup := &fakeLookup{byFingerprint: map[string]*models.Event{}}
	checker := NewChecker(lookup)

	ev := &models.Event{ID: "ev-2", TenantID: "t1", Fingerprint: "fp-2"}
	checker.Remember("t1", "fp-2", ev)

	got, found, err := checker.Check(context.Background(), "t1", "fp-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ev-2", got.ID)
	require.Zero(t, lookup.calls)
}

func TestTaskAlreadyHandled(t *testing.T) {
	cases := []struct {
		status models.TaskStatus
		want   bool
	}{
		{models.TaskQueued, false},
		{models.TaskRunning, true},
		{models.TaskSucceeded, true},
		{models.TaskFailed, false},
		{models.TaskDeadLetter, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TaskAlreadyHandled(tc.status), "status %s", tc.status)
	}
}
