// Package builtins registers the tool set every tenant workflow can plan
// against out of the box: subject-context lookup/update, one send tool
// per communication channel, and the escalate-to-human handoff.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/subjectcontext"
	"github.com/outreach-orchestrator/runtime/internal/threads"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// ChannelSender delivers a message over a provider-specific transport.
// cmd/ wiring supplies the real implementation (an SMTP client, a
// WhatsApp Business API client, an SMS gateway); tests and the fallback
// path use a no-op sender that only records the Action.
type ChannelSender interface {
	Send(ctx context.Context, channel models.ChannelType, to, body string) error
}

// ActionRecorder persists the Action row a send tool produces, so the
// policy engine's rate-limit window and the audit trail both see it.
type ActionRecorder interface {
	Create(ctx context.Context, action *models.Action) error
}

// SendRecorder is the rate-limit counter a send tool increments in the
// same step as it persists an executed Action, keeping the policy
// engine's window counts in lock-step with the actions table.
// policyengine's RateLimiter implementations satisfy it directly.
type SendRecorder interface {
	RecordExecuted(ctx context.Context, tenantID, subjectID string, channel models.ChannelType, at time.Time) error
}

// Register wires every builtin tool into registry. cmd/ wiring calls this
// once at startup with the process's concrete subjectcontext.Store,
// threads.Store, ActionRecorder, and ChannelSender, rather than relying
// on package-level init (those dependencies aren't process-wide
// singletons the way the registry is, so construction has to be
// explicit).
func Register(registry *toolkit.Registry, contexts *subjectcontext.Store, convos *threads.Store, actions ActionRecorder, rates SendRecorder, sender ChannelSender) {
	retry := toolkit.DefaultRetryPolicy()

	registry.Register(&getSubjectContextTool{BaseTool: toolkit.BaseTool{ToolRetry: retry}, contexts: contexts})
	registry.Register(&updateSubjectStageTool{BaseTool: toolkit.BaseTool{ToolRetry: retry}, contexts: contexts})
	registry.Register(&escalateToHumanTool{BaseTool: toolkit.BaseTool{ToolRetry: retry}, convos: convos})

	for _, channel := range []models.ChannelType{models.ChannelEmail, models.ChannelWhatsApp, models.ChannelSMS, models.ChannelCall} {
		tool := &sendChannelTool{BaseTool: toolkit.BaseTool{ToolRetry: retry}, channel: channel, actions: actions, rates: rates, sender: sender}
		registry.Register(tool)
		toolkit.MarkCommunicationChannel(tool.Name())
	}
}

// get-subject-context

type getSubjectContextTool struct {
	toolkit.BaseTool
	contexts *subjectcontext.Store
}

func (t *getSubjectContextTool) Name() string        { return "get-subject-context" }
func (t *getSubjectContextTool) Category() string    { return "context" }
func (t *getSubjectContextTool) Description() string {
	return "Fetches the subject's materialized engagement rollup: stage, counts, revenue."
}

func (t *getSubjectContextTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["tenant_id", "subject_id"],
		"properties": {
			"tenant_id": {"type": "string"},
			"subject_id": {"type": "string"}
		}
	}`)
}

func (t *getSubjectContextTool) Timeout() time.Duration { return 5 * time.Second }

type contextParams struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
}

func (t *getSubjectContextTool) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p contextParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("get-subject-context: decode params: %w", err)
	}
	row, err := t.contexts.Get(ctx, p.TenantID, p.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("get-subject-context: %w", err)
	}
	return json.Marshal(row)
}

// update-subject-stage

type updateSubjectStageTool struct {
	toolkit.BaseTool
	contexts *subjectcontext.Store
}

func (t *updateSubjectStageTool) Name() string        { return "update-subject-stage" }
func (t *updateSubjectStageTool) Category() string    { return "context" }
func (t *updateSubjectStageTool) Description() string {
	return "Folds a synthetic event into the subject's context to force a stage reevaluation."
}

func (t *updateSubjectStageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["tenant_id", "subject_id", "event_type"],
		"properties": {
			"tenant_id": {"type": "string"},
			"subject_id": {"type": "string"},
			"event_type": {"type": "string"}
		}
	}`)
}

func (t *updateSubjectStageTool) Timeout() time.Duration { return 5 * time.Second }

type updateStageParams struct {
	TenantID  string           `json:"tenant_id"`
	SubjectID string           `json:"subject_id"`
	EventType models.EventType `json:"event_type"`
}

func (t *updateSubjectStageTool) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p updateStageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("update-subject-stage: decode params: %w", err)
	}
	event := &models.Event{
		ID:        uuid.NewString(),
		TenantID:  p.TenantID,
		SubjectID: p.SubjectID,
		Type:      p.EventType,
		Source:    "worker-tool",
		Timestamp: time.Now().UTC(),
	}
	row, err := t.contexts.Reduce(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("update-subject-stage: %w", err)
	}
	return json.Marshal(row)
}

// escalate-to-human

type escalateToHumanTool struct {
	toolkit.BaseTool
	convos *threads.Store
}

func (t *escalateToHumanTool) Name() string        { return "escalate-to-human" }
func (t *escalateToHumanTool) Category() string    { return "escalation" }
func (t *escalateToHumanTool) Description() string {
	return "Pauses the running execution and opens a conversation thread for a human to take over."
}

func (t *escalateToHumanTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["tenant_id", "subject_id", "reason"],
		"properties": {
			"tenant_id": {"type": "string"},
			"subject_id": {"type": "string"},
			"execution_id": {"type": "string"},
			"agent_id": {"type": "string"},
			"reason": {"type": "string"},
			"subject_message": {"type": "string"},
			"agent_note": {"type": "string"}
		}
	}`)
}

func (t *escalateToHumanTool) Timeout() time.Duration { return 10 * time.Second }

func (t *escalateToHumanTool) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req threads.EscalateRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("escalate-to-human: decode params: %w", err)
	}
	thread, err := t.convos.Escalate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("escalate-to-human: %w", err)
	}
	return json.Marshal(thread)
}

// send-<channel>

type sendChannelTool struct {
	toolkit.BaseTool
	channel models.ChannelType
	actions ActionRecorder
	rates   SendRecorder
	sender  ChannelSender
}

func (t *sendChannelTool) Name() string     { return "send-" + string(t.channel) }
func (t *sendChannelTool) Category() string { return "channel" }

func (t *sendChannelTool) Description() string {
	return fmt.Sprintf("Sends a message to the subject over %s, recording the resulting Action.", t.channel)
}

func (t *sendChannelTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["tenant_id", "subject_id", "to", "body"],
		"properties": {
			"tenant_id": {"type": "string"},
			"subject_id": {"type": "string"},
			"execution_id": {"type": "string"},
			"to": {"type": "string"},
			"body": {"type": "string"}
		}
	}`)
}

func (t *sendChannelTool) Timeout() time.Duration { return 20 * time.Second }

type sendParams struct {
	TenantID    string `json:"tenant_id"`
	SubjectID   string `json:"subject_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	To          string `json:"to"`
	Body        string `json:"body"`
}

// sendResult is the tool's return payload; the worker executor inspects
// Status to decide whether to keep going or surface a policy denial.
type sendResult struct {
	ActionID string             `json:"action_id"`
	Status   models.ActionStatus `json:"status"`
}

func (t *sendChannelTool) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%s: decode params: %w", t.Name(), err)
	}

	action := &models.Action{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		SubjectID:   p.SubjectID,
		ExecutionID: p.ExecutionID,
		Channel:     t.channel,
		Status:      models.ActionScheduled,
		ScheduledAt: time.Now().UTC(),
		Payload:     map[string]any{"to": p.To, "body": p.Body},
		CreatedAt:   time.Now().UTC(),
	}

	if err := t.sender.Send(ctx, t.channel, p.To, p.Body); err != nil {
		action.Status = models.ActionFailed
		if t.actions != nil {
			_ = t.actions.Create(ctx, action)
		}
		return nil, fmt.Errorf("%s: send: %w", t.Name(), err)
	}

	now := time.Now().UTC()
	action.Status = models.ActionExecuted
	action.ExecutedAt = &now
	if t.actions != nil {
		if err := t.actions.Create(ctx, action); err != nil {
			return nil, fmt.Errorf("%s: record action: %w", t.Name(), err)
		}
	}
	if t.rates != nil {
		if err := t.rates.RecordExecuted(ctx, p.TenantID, p.SubjectID, t.channel, now); err != nil {
			return nil, fmt.Errorf("%s: record rate-limit execution: %w", t.Name(), err)
		}
	}

	return json.Marshal(sendResult{ActionID: action.ID, Status: action.Status})
}
