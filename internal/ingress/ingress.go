// Package ingress implements the event intake boundary: external events
// arriving from the admin API (tests/integration) or a channel provider's
// webhook are resolved to a (tenant, subject) pair, deduplicated,
// persisted, folded into the subject's context rollup, fanned out as an
// agent-invocation job, and republished onto the bus's events topic for
// downstream stream processors.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/dedupe"
	"github.com/outreach-orchestrator/runtime/internal/subjectcontext"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// TypeAgentInvocation is the job-queue task type ingress fans out for
// every newly persisted event. It is deliberately distinct from the bus-level
// worker-task-assigned task types internal/workerexec dispatches: this
// job is the secondary, in-process delivery path, not a delegated stage
// action. internal/agents.Dispatcher is the registered handler — it runs
// the heuristic (non-LLM-planned) agents over the event; the supervisor's
// own onboarding/task-completion reactions run directly off the bus and
// never go through this queue.
const TypeAgentInvocation = "agent-invocation"

// SubjectResolver is the persistence slice Ingress needs to resolve a
// subject; internal/storage's SubjectStore satisfies it directly.
type SubjectResolver interface {
	GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error)
	FindByHandle(ctx context.Context, tenantID string, channel models.ChannelType, handle string) (*models.Subject, bool, error)
}

// EventPersister is the persistence slice Ingress needs for events;
// internal/storage's EventStore satisfies it directly, and also
// satisfies dedupe.EventLookup.
type EventPersister interface {
	Create(ctx context.Context, event *models.Event) error
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error)
}

// JobEnqueuer is the job-queue slice Ingress needs; internal/jobqueue.Store
// and internal/jobqueue.Queue both satisfy it via their Enqueue method.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, task *models.WorkerTask) error
}

// Ingress resolves, deduplicates, persists, and fans out ingested events.
type Ingress struct {
	subjects SubjectResolver
	events   EventPersister
	dedupe   *dedupe.Checker
	contexts *subjectcontext.Store
	jobs     JobEnqueuer
	bus      bus.Bus
	logger   *slog.Logger
}

// New builds an Ingress.
func New(subjects SubjectResolver, events EventPersister, contexts *subjectcontext.Store, jobs JobEnqueuer, b bus.Bus, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		subjects: subjects,
		events:   events,
		dedupe:   dedupe.NewChecker(events),
		contexts: contexts,
		jobs:     jobs,
		bus:      b,
		logger:   logger.With("component", "ingress"),
	}
}

// ResolveRequest carries the identifying fields a webhook or admin-API
// caller supplies; TenantID is always known (the provider endpoint or
// admin auth scopes it), SubjectID may already be resolved by the caller,
// and DistinctID/HandleEmail are the provider-reported identifiers ingress
// must resolve against the subject store otherwise.
type ResolveRequest struct {
	TenantID    string
	SubjectID   string
	DistinctID  string
	HandleEmail string
	Channel     models.ChannelType
}

// ResolveSubject implements step 1's resolution cascade: a subject
// id supplied directly, then distinct-id parsed as a subject id, then
// distinct-id in the provider's "email_user_at_domain_com" encoding, then
// a direct recipient-handle lookup. Returns (nil, false, nil) if none of
// the strategies resolve, which the caller treats as an unresolvable
// event — persisted nowhere.
func (i *Ingress) ResolveSubject(ctx context.Context, req ResolveRequest) (*models.Subject, bool, error) {
	if req.TenantID == "" {
		return nil, false, fmt.Errorf("ingress: tenant id is required")
	}

	if req.SubjectID != "" {
		subj, err := i.subjects.GetSubject(ctx, req.TenantID, req.SubjectID)
		if err == nil {
			return subj, true, nil
		}
	}

	if req.DistinctID != "" {
		if subj, err := i.subjects.GetSubject(ctx, req.TenantID, req.DistinctID); err == nil {
			return subj, true, nil
		}
		if decoded, ok := decodeEmailDistinctID(req.DistinctID); ok {
			channel := req.Channel
			if channel == "" {
				channel = models.ChannelEmail
			}
			if subj, found, err := i.subjects.FindByHandle(ctx, req.TenantID, channel, decoded); err != nil {
				return nil, false, err
			} else if found {
				return subj, true, nil
			}
		}
	}

	if req.HandleEmail != "" {
		channel := req.Channel
		if channel == "" {
			channel = models.ChannelEmail
		}
		subj, found, err := i.subjects.FindByHandle(ctx, req.TenantID, channel, req.HandleEmail)
		if err != nil {
			return nil, false, err
		}
		if found {
			return subj, true, nil
		}
	}

	return nil, false, nil
}

// decodeEmailDistinctID decodes the "email_user_at_domain_com"-style
// distinct id some providers send in place of an address ("email_"
// prefix, "_at_" -> "@", "_" -> ".").
func decodeEmailDistinctID(distinctID string) (string, bool) {
	const prefix = "email_"
	if !strings.HasPrefix(distinctID, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(distinctID, prefix)
	rest = strings.ReplaceAll(rest, "_at_", "@")
	rest = strings.ReplaceAll(rest, "_", ".")
	return rest, true
}

// IngestRequest describes one event to ingest, already resolved to a
// subject (callers run ResolveSubject first when the caller is a
// provider webhook; the admin API already knows its subject id).
type IngestRequest struct {
	TenantID  string
	SubjectID string
	Type      models.EventType
	Source    string
	Timestamp time.Time
	Payload   map[string]any
}

// Result reports what Ingest did so a caller (e.g. a webhook handler
// deciding its HTTP response) can distinguish a fresh event from a
// deduplicated replay.
type Result struct {
	Event      *models.Event
	Duplicate  bool
	JobEnqueue error // non-nil if the agent-invocation fan-out failed; not fatal to ingestion
}

// Ingest runs steps 2-5: fingerprint + dedupe short-circuit, persist,
// materialize the subject context, enqueue the agent-invocation job, and
// publish to the bus's events topic.
func (i *Ingress) Ingest(ctx context.Context, req IngestRequest) (Result, error) {
	if req.TenantID == "" || req.SubjectID == "" {
		return Result{}, fmt.Errorf("ingress: tenant and subject id are required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	fingerprint := dedupe.Fingerprint(req.TenantID, req.SubjectID, req.Type, req.Payload)

	if existing, found, err := i.dedupe.Check(ctx, req.TenantID, fingerprint); err != nil {
		return Result{}, fmt.Errorf("ingress: dedupe check: %w", err)
	} else if found {
		return Result{Event: existing, Duplicate: true}, nil
	}

	event := &models.Event{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		SubjectID:   req.SubjectID,
		Type:        req.Type,
		Source:      req.Source,
		Timestamp:   req.Timestamp,
		Payload:     req.Payload,
		Fingerprint: fingerprint,
	}
	if err := i.events.Create(ctx, event); err != nil {
		return Result{}, fmt.Errorf("ingress: persist event: %w", err)
	}
	i.dedupe.Remember(req.TenantID, fingerprint, event)

	if i.contexts != nil {
		if _, err := i.contexts.Reduce(ctx, event); err != nil {
			i.logger.Error("ingress: reduce subject context failed", "event_id", event.ID, "error", err)
		}
	}

	result := Result{Event: event}

	if i.jobs != nil {
		task := &models.WorkerTask{
			ID:        uuid.NewString(),
			TenantID:  req.TenantID,
			SubjectID: req.SubjectID,
			Type:      TypeAgentInvocation,
			Payload: map[string]any{
				"event_id":   event.ID,
				"event_type": string(event.Type),
			},
		}
		if err := i.jobs.Enqueue(ctx, task); err != nil {
			i.logger.Warn("ingress: agent-invocation enqueue failed", "event_id", event.ID, "error", err)
			result.JobEnqueue = err
		}
	}

	if i.bus != nil {
		env, err := bus.NewEnvelope(string(event.Type), bus.PriorityNormal, "ingress", req.SubjectID, event)
		if err != nil {
			i.logger.Error("ingress: build events envelope failed", "event_id", event.ID, "error", err)
		} else if err := i.bus.Publish(ctx, bus.TopicEvents, env); err != nil {
			i.logger.Error("ingress: publish to events topic failed", "event_id", event.ID, "error", err)
		}
	}

	return result, nil
}

// WebhookStatusToEventType maps a channel provider's delivery-status
// string to the domain EventType set. Statuses with no analog in the
// domain's EventType set (plain "delivered"/"unread" acknowledgements,
// which precede any engagement signal) report ok=false; callers still
// 2xx the webhook but skip event creation.
func WebhookStatusToEventType(status string) (models.EventType, bool) {
	switch strings.ToLower(status) {
	case "read", "opened":
		return models.EventEmailOpened, true
	case "replied":
		return models.EventEmailReplied, true
	case "click_cta", "clicked", "booking_click":
		return models.EventEmailClicked, true
	case "booking_done":
		return models.EventBookingCreated, true
	default:
		return "", false
	}
}

// WhatsAppWebhookStatusToEventType is WebhookStatusToEventType's WhatsApp
// analog: the provider reports message-received rather than a reply/open
// split, so it maps directly onto whatsapp-received.
func WhatsAppWebhookStatusToEventType(status string) (models.EventType, bool) {
	switch strings.ToLower(status) {
	case "received", "reply":
		return models.EventWhatsAppRecv, true
	case "booking_done":
		return models.EventBookingCreated, true
	default:
		return "", false
	}
}
