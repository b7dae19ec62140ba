// Package agents runs the heuristic (non-LLM-planned) reactions behind
// the ingress job fan-out: every ingested event enqueues one
// agent-invocation job, and Dispatcher.HandleTask — registered on the
// job queue by cmd/ wiring — loads the event and the subject's rollup,
// then asks each registered agent whether it should act before running
// it. Agents act through the tool executor, so the policy gate (consent,
// rate caps) applies to anything they send.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/outreach-orchestrator/runtime/internal/errs"
	"github.com/outreach-orchestrator/runtime/internal/toolkit"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// EventLookup is the persistence slice the dispatcher needs to resolve a
// job's event id; internal/storage's EventStore satisfies it directly.
type EventLookup interface {
	Get(ctx context.Context, id string) (*models.Event, error)
}

// ContextLookup returns the subject's materialized rollup;
// internal/subjectcontext's Store satisfies it directly.
type ContextLookup interface {
	Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error)
}

// SubjectLookup resolves the subject an agent wants to reach.
type SubjectLookup interface {
	GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error)
}

// Agent is one heuristic reaction. ShouldAct is a cheap filter over the
// event and rollup; Act performs the side effect and is only called when
// ShouldAct reported true.
type Agent interface {
	Name() string
	ShouldAct(ctx context.Context, event *models.Event, subjectCtx *models.SubjectContext) bool
	Act(ctx context.Context, event *models.Event, subjectCtx *models.SubjectContext) error
}

// Dispatcher fans one agent-invocation job out to every registered agent.
type Dispatcher struct {
	events   EventLookup
	contexts ContextLookup
	agents   []Agent
	logger   *slog.Logger
}

// NewDispatcher builds a Dispatcher over the given agents.
func NewDispatcher(events EventLookup, contexts ContextLookup, logger *slog.Logger, agents ...Agent) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		events:   events,
		contexts: contexts,
		agents:   agents,
		logger:   logger.With("component", "agents"),
	}
}

// HandleTask is the job-queue handler for agent-invocation tasks: resolve
// the event the job points at, load the subject's rollup, and run every
// agent whose ShouldAct fires. One agent failing does not stop the
// others; the first failure is returned so the queue's retry budget
// applies.
func (d *Dispatcher) HandleTask(ctx context.Context, task *models.WorkerTask) error {
	eventID, _ := task.Payload["event_id"].(string)
	if eventID == "" {
		return fmt.Errorf("agents: task %s carries no event_id", task.ID)
	}

	event, err := d.events.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("agents: load event %s: %w", eventID, err)
	}
	subjectCtx, err := d.contexts.Get(ctx, event.TenantID, event.SubjectID)
	if err != nil {
		return fmt.Errorf("agents: load context for %s/%s: %w", event.TenantID, event.SubjectID, err)
	}

	var firstErr error
	for _, agent := range d.agents {
		if !agent.ShouldAct(ctx, event, subjectCtx) {
			continue
		}
		if err := agent.Act(ctx, event, subjectCtx); err != nil {
			d.logger.Warn("agent act failed", "agent", agent.Name(), "event_id", eventID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("agents: %s: %w", agent.Name(), err)
			}
		}
	}
	return firstErr
}

// FollowUpAgent nudges a subject who engaged with a message: an email
// open, click, or reply from an interested or engaged subject triggers
// one follow-up send through the tool executor, whose policy gate caps
// how often that can actually happen.
type FollowUpAgent struct {
	subjects SubjectLookup
	exec     *toolkit.Executor
	logger   *slog.Logger
}

// NewFollowUp builds a FollowUpAgent.
func NewFollowUp(subjects SubjectLookup, exec *toolkit.Executor, logger *slog.Logger) *FollowUpAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUpAgent{subjects: subjects, exec: exec, logger: logger.With("agent", "follow-up")}
}

func (a *FollowUpAgent) Name() string { return "follow-up" }

func (a *FollowUpAgent) ShouldAct(ctx context.Context, event *models.Event, subjectCtx *models.SubjectContext) bool {
	switch event.Type {
	case models.EventEmailOpened, models.EventEmailClicked, models.EventEmailReplied:
	default:
		return false
	}
	return subjectCtx.Stage == models.StageInterested || subjectCtx.Stage == models.StageEngaged
}

func (a *FollowUpAgent) Act(ctx context.Context, event *models.Event, subjectCtx *models.SubjectContext) error {
	subject, err := a.subjects.GetSubject(ctx, event.TenantID, event.SubjectID)
	if err != nil {
		return fmt.Errorf("follow-up: load subject: %w", err)
	}
	to := subject.Handles[models.ChannelEmail]
	if to == "" {
		return nil
	}

	params, err := json.Marshal(map[string]string{
		"tenant_id":  event.TenantID,
		"subject_id": event.SubjectID,
		"to":         to,
		"body":       "Thanks for taking a look — would you like to pick a time to talk?",
	})
	if err != nil {
		return fmt.Errorf("follow-up: marshal params: %w", err)
	}

	result := a.exec.Execute(ctx, toolkit.Invocation{
		ToolName:  "send-email",
		TenantID:  event.TenantID,
		SubjectID: event.SubjectID,
		Params:    params,
	})
	if !result.Success {
		// A policy denial is the gate doing its job, not a failure to
		// retry: the subject is over their cap or has revoked consent.
		if result.Kind == errs.KindPolicyDenied {
			a.logger.Info("follow-up send denied by policy", "subject_id", event.SubjectID, "error", result.Error)
			return nil
		}
		return fmt.Errorf("follow-up: send-email: %s", result.Error)
	}
	return nil
}
