package policyengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type fakeSubjects struct {
	subjects map[string]*models.Subject
}

func (f *fakeSubjects) GetSubject(_ context.Context, _, subjectID string) (*models.Subject, error) {
	return f.subjects[subjectID], nil
}

// fakeRateLimiter counts recorded executions per tenant+subject+channel
// without window math, for tests that only care about the cap comparison
// itself.
type fakeRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRateLimiter() *fakeRateLimiter {
	return &fakeRateLimiter{counts: make(map[string]int)}
}

func (f *fakeRateLimiter) key(tenantID, subjectID string, channel models.ChannelType) string {
	return tenantID + "|" + subjectID + "|" + string(channel)
}

func (f *fakeRateLimiter) CountExecuted(_ context.Context, tenantID, subjectID string, channel models.ChannelType, _ time.Duration, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[f.key(tenantID, subjectID, channel)], nil
}

func (f *fakeRateLimiter) RecordExecuted(_ context.Context, tenantID, subjectID string, channel models.ChannelType, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.key(tenantID, subjectID, channel)]++
	return nil
}

func TestEngine_DeniesWhenConsentMissing(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Consent: map[models.ChannelType]bool{}},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), nil)

	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Violations, "email consent not granted")
}

func TestEngine_PaymentLinkExemptFromConsent(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1"},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), nil)

	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelPaymentLink, ScheduledAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestEngine_DeniesWhenDailyCapExceeded(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	rates := newFakeRateLimiter()
	require.NoError(t, rates.RecordExecuted(context.Background(), "t1", "s1", models.ChannelEmail, time.Now()))

	e := New(subjects, rates, nil, DefaultPolicy(), nil)
	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Violations, "email daily limit (1) exceeded")
}

func TestEngine_DeniesWhenInQuietHours(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Timezone: "UTC", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), nil)

	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: late,
	})
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Contains(t, decision.Violations, "email falls within quiet hours")
}

func TestEngine_SkipsQuietHoursWhenTimezoneUnknown(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), nil)

	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: late,
	})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestEngine_ApprovesWellFormedRequest(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Timezone: "UTC", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), nil)

	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: noon,
	})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Empty(t, decision.Violations)
}

func TestEngine_ToolCallMode_SkipsQuietHoursButChecksConsentAndRate(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Timezone: "UTC", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	e := New(subjects, newFakeRateLimiter(), nil, DefaultPolicy(), map[string]models.ChannelType{
		"send_email": models.ChannelEmail,
	})

	late := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	decision, err := e.EvaluateToolCall(context.Background(), "t1", "s1", "send_email", late)
	require.NoError(t, err)
	assert.True(t, decision.Approved, "quiet hours must be skipped in tool-call mode")
}

func TestEngine_ToolCallMode_UnmappedToolIsApproved(t *testing.T) {
	e := New(&fakeSubjects{subjects: map[string]*models.Subject{}}, newFakeRateLimiter(), nil, DefaultPolicy(), nil)
	decision, err := e.EvaluateToolCall(context.Background(), "t1", "s1", "unregistered_tool", time.Now())
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

type fakeActions struct {
	created []*models.Action
}

func (f *fakeActions) Create(_ context.Context, action *models.Action) error {
	f.created = append(f.created, action)
	return nil
}

func TestEngine_PersistsDeniedAction(t *testing.T) {
	subjects := &fakeSubjects{subjects: map[string]*models.Subject{
		"s1": {ID: "s1", Consent: map[models.ChannelType]bool{models.ChannelEmail: true}},
	}}
	rates := newFakeRateLimiter()
	require.NoError(t, rates.RecordExecuted(context.Background(), "t1", "s1", models.ChannelEmail, time.Now()))

	actions := &fakeActions{}
	e := New(subjects, rates, nil, DefaultPolicy(), nil)
	e.RecordDenials(actions)

	decision, err := e.Evaluate(context.Background(), Request{
		TenantID: "t1", SubjectID: "s1", Channel: models.ChannelEmail, ScheduledAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	require.Len(t, actions.created, 1)
	assert.Equal(t, models.ActionDenied, actions.created[0].Status)
	assert.Equal(t, decision.Violations, actions.created[0].Violations)
}
