package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/internal/policyengine"
	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/internal/subjectcontext"
	"github.com/outreach-orchestrator/runtime/internal/threads"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type fakeSender struct {
	err  error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, channel models.ChannelType, to, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, string(channel)+":"+to)
	return nil
}

func newTestRegistry(sender ChannelSender) (*toolkit.Registry, storage.StoreSet) {
	stores := storage.NewMemoryStores()
	registry := toolkit.NewRegistry(nil)
	contexts := subjectcontext.New(stores.SubjectContexts)
	convos := threads.New(stores.ConversationThreads, nil)
	Register(registry, contexts, convos, stores.Actions, policyengine.NewMemoryRateLimiter(0), sender)
	return registry, stores
}

func TestGetAndUpdateSubjectContextTools(t *testing.T) {
	registry, _ := newTestRegistry(&fakeSender{})
	ctx := context.Background()

	update, ok := registry.Get("update-subject-stage")
	require.True(t, ok)
	params, _ := json.Marshal(map[string]string{"tenant_id": "t1", "subject_id": "s1", "event_type": string(models.EventBookingCreated)})
	_, err := update.Run(ctx, params)
	require.NoError(t, err)

	get, ok := registry.Get("get-subject-context")
	require.True(t, ok)
	params, _ = json.Marshal(map[string]string{"tenant_id": "t1", "subject_id": "s1"})
	raw, err := get.Run(ctx, params)
	require.NoError(t, err)

	var row models.SubjectContext
	require.NoError(t, json.Unmarshal(raw, &row))
	require.Equal(t, models.StageEngaged, row.Stage)
}

func TestEscalateToHumanTool(t *testing.T) {
	registry, _ := newTestRegistry(&fakeSender{})
	ctx := context.Background()

	tool, ok := registry.Get("escalate-to-human")
	require.True(t, ok)

	params, _ := json.Marshal(map[string]string{
		"tenant_id": "t1", "subject_id": "s1", "reason": "subject confused",
		"subject_message": "wait what is this", "agent_note": "escalating",
	})
	raw, err := tool.Run(ctx, params)
	require.NoError(t, err)

	var thread models.ConversationThread
	require.NoError(t, json.Unmarshal(raw, &thread))
	require.Equal(t, models.ThreadWaitingHuman, thread.State)
	require.Len(t, thread.Messages, 2)
}

func TestSendChannelToolRecordsExecutedAction(t *testing.T) {
	sender := &fakeSender{}
	registry, stores := newTestRegistry(sender)
	ctx := context.Background()

	tool, ok := registry.Get("send-email")
	require.True(t, ok)

	params, _ := json.Marshal(sendParams{TenantID: "t1", SubjectID: "s1", To: "subject@example.com", Body: "hello"})
	raw, err := tool.Run(ctx, params)
	require.NoError(t, err)

	var result sendResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, models.ActionExecuted, result.Status)
	require.Equal(t, []string{"email:subject@example.com"}, sender.sent)

	actions, err := stores.Actions.ListBySubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, models.ActionExecuted, actions[0].Status)
}

func TestSendChannelToolRecordsFailedActionOnSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp down")}
	registry, stores := newTestRegistry(sender)
	ctx := context.Background()

	tool, ok := registry.Get("send-whatsapp")
	require.True(t, ok)

	params, _ := json.Marshal(sendParams{TenantID: "t1", SubjectID: "s1", To: "+15550001111", Body: "hello"})
	_, err := tool.Run(ctx, params)
	require.Error(t, err)

	actions, err := stores.Actions.ListBySubject(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, models.ActionFailed, actions[0].Status)
}

func TestSendToolsAreRegisteredForEveryChannel(t *testing.T) {
	registry, _ := newTestRegistry(&fakeSender{})
	for _, name := range []string{"send-email", "send-whatsapp", "send-sms", "send-call"} {
		_, ok := registry.Get(name)
		require.True(t, ok, "expected %s to be registered", name)
	}
}
