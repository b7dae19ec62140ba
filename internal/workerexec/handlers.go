package workerexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/outreach-orchestrator/runtime/internal/planner"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// channelSentEvent maps a channel send to the domain event its success
// feeds into the subject-context reducer. Call has no corresponding
// sent event in the event-type lattice, so a call task skips the
// update-subject-stage step.
func channelSentEvent(channel string) (models.EventType, bool) {
	switch models.ChannelType(channel) {
	case models.ChannelEmail:
		return models.EventEmailSent, true
	case models.ChannelWhatsApp:
		return models.EventWhatsAppSent, true
	case models.ChannelSMS:
		return models.EventSMSSent, true
	default:
		return "", false
	}
}

// handleStageAction is the generic task handler: it inspects the
// stage's required tools against the registry, fetches subject context,
// drafts content for the stage's channel, sends it, then folds the send
// back into the subject's context. A stage with no channel in its payload
// (an internal-only step) skips straight to reporting success.
func handleStageAction(ctx context.Context, deps *Dependencies, task *models.WorkerTask) (Outcome, error) {
	workflow, err := deps.Workflows.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return Outcome{}, fmt.Errorf("stage-action: load workflow %s: %w", task.WorkflowID, err)
	}

	stageName, _ := task.Payload["stage"].(string)
	stage, hasStage := workflow.Stages[stageName]

	var missing []string
	if hasStage {
		for _, toolName := range stage.RequiredTools {
			if _, ok := deps.Registry.Get(toolName); ok {
				continue
			}
			missing = append(missing, toolName)
			if err := deps.Registry.LogMissingToolWithDetail(ctx, task.TenantID, toolName, task.WorkflowID, task.SubjectID,
				"high", fmt.Sprintf("stage %q requires unregistered tool", stageName)); err != nil {
				deps.Logger.Warn("stage-action: log missing tool", "tool", toolName, "error", err)
			}
		}
	}

	ctxResult := deps.Executor.Execute(ctx, toolkit.Invocation{
		ToolName:    "get-subject-context",
		TenantID:    task.TenantID,
		SubjectID:   task.SubjectID,
		ExecutionID: task.ExecutionID,
		Params:      marshalParams(map[string]string{"tenant_id": task.TenantID, "subject_id": task.SubjectID}),
	})
	if !ctxResult.Success {
		return Outcome{MissingTools: missing}, fmt.Errorf("stage-action: get-subject-context: %s", ctxResult.Error)
	}
	var subjectCtx map[string]any
	_ = json.Unmarshal(ctxResult.Data, &subjectCtx)

	channel, _ := task.Payload["channel"].(string)
	to, _ := task.Payload["to"].(string)
	if channel == "" || to == "" {
		return Outcome{MissingTools: missing}, nil
	}

	body := draftBody(ctx, deps, workflow.Purpose, workflow.Goal, stageName, channel, stage.Actions, subjectCtx)

	sendResult := deps.Executor.Execute(ctx, toolkit.Invocation{
		ToolName:    "send-" + channel,
		TenantID:    task.TenantID,
		SubjectID:   task.SubjectID,
		ExecutionID: task.ExecutionID,
		Params: marshalParams(map[string]string{
			"tenant_id": task.TenantID, "subject_id": task.SubjectID,
			"execution_id": task.ExecutionID, "to": to, "body": body,
		}),
	})
	if !sendResult.Success {
		return Outcome{MissingTools: missing}, fmt.Errorf("stage-action: send-%s: %s", channel, sendResult.Error)
	}

	if eventType, ok := channelSentEvent(channel); ok {
		updateResult := deps.Executor.Execute(ctx, toolkit.Invocation{
			ToolName:    "update-subject-stage",
			TenantID:    task.TenantID,
			SubjectID:   task.SubjectID,
			ExecutionID: task.ExecutionID,
			Params: marshalParams(map[string]string{
				"tenant_id": task.TenantID, "subject_id": task.SubjectID, "event_type": string(eventType),
			}),
		})
		if !updateResult.Success {
			deps.Logger.Warn("stage-action: update-subject-stage failed", "task_id", task.ID, "error", updateResult.Error)
		}
	}

	return Outcome{MissingTools: missing, Detail: map[string]any{"channel": channel, "stage": stageName}}, nil
}

// draftBody generates the message body for a stage send. With a
// configured Planner it asks the model for copy tailored to the stage and
// subject context; without one (or on a model failure, which Draft itself
// falls back on) it uses the stage's first planned action verbatim.
func draftBody(ctx context.Context, deps *Dependencies, purpose, goal, stage, channel string, actions []string, subjectCtx map[string]any) string {
	if deps.Planner == nil {
		if len(actions) > 0 {
			return actions[0]
		}
		return fmt.Sprintf("Hi — following up on %s.", purpose)
	}
	return deps.Planner.Draft(ctx, planner.DraftRequest{
		Purpose: purpose, Goal: goal, Stage: stage, Channel: channel,
		Actions: actions, SubjectContext: subjectCtx,
	})
}

// handleEscalate dispatches the escalate-to-human tool directly, for a
// decision-analyzer outcome that routes straight to a human handoff
//.
func handleEscalate(ctx context.Context, deps *Dependencies, task *models.WorkerTask) (Outcome, error) {
	params := map[string]any{
		"tenant_id":    task.TenantID,
		"subject_id":   task.SubjectID,
		"execution_id": task.ExecutionID,
	}
	for _, key := range []string{"reason", "agent_id", "subject_message", "agent_note"} {
		if v, ok := task.Payload[key]; ok {
			params[key] = v
		}
	}

	result := deps.Executor.Execute(ctx, toolkit.Invocation{
		ToolName:    "escalate-to-human",
		TenantID:    task.TenantID,
		SubjectID:   task.SubjectID,
		ExecutionID: task.ExecutionID,
		Params:      marshalParams(params),
	})
	if !result.Success {
		return Outcome{}, fmt.Errorf("escalate-to-human: %s", result.Error)
	}
	return Outcome{Detail: map[string]any{"escalated": true}}, nil
}
