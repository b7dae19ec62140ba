// Package bus implements the durable, partitioned, at-least-once event bus
// abstraction: publish(topic, partition-key, envelope) and
// subscribe(topics, group-id) -> iterator<delivered>. The transport is NATS
// JetStream; partition key is mapped onto a subject token so JetStream's
// per-subject ordering guarantee gives us the required per-partition FIFO
// (cross-partition ordering is explicitly not guaranteed).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/tracing"
)

// Priority is the envelope priority band. The consumer-group runtime
// uses it to route to the immediate critical+high group versus the
// secondary batch/analytics/scheduled/audit groups.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityBatch    Priority = "batch"
)

// Fixed topic set. Topics map to JetStream subjects scoped under the
// configured stream name; see subjectFor.
const (
	TopicEvents          = "events"
	TopicSupervisorTasks = "supervisor_tasks"
	TopicTaskResults     = "task_results"
	TopicWorkflowEvents  = "workflow_events"
	TopicAnalyticsEvents = "analytics_events"
	TopicAuditEvents     = "audit_events"
	TopicCriticalAlerts  = "critical_alerts"
	TopicScheduledTasks  = "scheduled_tasks"
)

// Topics lists the fixed topic set in the order enumerates them. Stream
// provisioning (see ensureStream) subscribes every topic under one stream.
var Topics = []string{
	TopicEvents,
	TopicSupervisorTasks,
	TopicTaskResults,
	TopicWorkflowEvents,
	TopicAnalyticsEvents,
	TopicAuditEvents,
	TopicCriticalAlerts,
	TopicScheduledTasks,
}

// Envelope is the wire format every published message carries:
// event-id, event-type, occurred-at (UTC), priority, source tag, and a typed
// payload. PartitionKey is carried out of band (it becomes part of the
// subject, not the body) so consumers can recover it without unmarshalling
// the payload.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Priority     Priority        `json:"priority"`
	Source       string          `json:"source"`
	PartitionKey string          `json:"partition_key"`
	Payload      json.RawMessage `json:"payload"`
}

// NewEnvelope builds an Envelope from any JSON-marshalable payload, filling
// EventID and OccurredAt. partitionKey is the subject id for subject-scoped
// events, or the tenant id for tenant-scoped events without a subject.
func NewEnvelope(eventType string, priority Priority, source, partitionKey string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("bus: marshal payload for %s: %w", eventType, err)
	}
	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		OccurredAt:   time.Now().UTC(),
		Priority:     priority,
		Source:       source,
		PartitionKey: partitionKey,
		Payload:      data,
	}, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Delivered is one message handed to a subscriber. Ack commits the message
// (advances the consumer-group offset for it); Nak redelivers it. Callers
// must call exactly one of Ack or Nak per Delivered. A non-nil DecodeError
// means the wire bytes failed the one-shot envelope deserialization; Envelope is zero-valued and the consumer-group runtime
// routes the message to the DLQ instead of invoking a handler.
type Delivered struct {
	Topic       string
	Envelope    Envelope
	DecodeError error
	Ack         func() error
	Nak         func() error
}

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	// MaxBatch caps messages fetched per poll. Zero uses the bus default.
	MaxBatch int
	// PollTimeout bounds each fetch poll. Zero uses the bus default.
	PollTimeout time.Duration
	// PriorityFilter, when non-empty, restricts delivery to the listed
	// priorities; messages outside the set are acked and skipped without
	// reaching the caller.
	PriorityFilter []Priority
}

// SubscribeOption mutates SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

func WithMaxBatch(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.MaxBatch = n }
}

func WithPollTimeout(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.PollTimeout = d }
}

func WithPriorityFilter(priorities ...Priority) SubscribeOption {
	return func(o *SubscribeOptions) { o.PriorityFilter = priorities }
}

func (o SubscribeOptions) allows(p Priority) bool {
	if len(o.PriorityFilter) == 0 {
		return true
	}
	for _, allowed := range o.PriorityFilter {
		if allowed == p {
			return true
		}
	}
	return false
}

// Subscription is a live, named pull consumer over one or more topics.
type Subscription interface {
	// Messages returns the channel Delivered messages arrive on. It is
	// closed once the subscription's context is done and in-flight fetches
	// drain.
	Messages() <-chan Delivered
	// Close stops polling and releases the underlying consumer handle. It
	// does not wait for in-flight handlers; callers drive that via the
	// consumer-group runtime's shutdown deadline.
	Close() error
}

// Bus is the transport abstraction every producer and consumer-group depends on.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topics []string, groupID string, opts ...SubscribeOption) (Subscription, error)
	Close(ctx context.Context) error
}

// Traced wraps b so every Publish call runs inside a tracing span. A nil
// tracer makes this a pure pass-through, so cmd/ wiring can call it
// unconditionally regardless of whether EnableTracing is set.
func Traced(b Bus, tracer *tracing.Tracer) Bus {
	if tracer == nil {
		return b
	}
	return &tracedBus{Bus: b, tracer: tracer}
}

type tracedBus struct {
	Bus
	tracer *tracing.Tracer
}

func (t *tracedBus) Publish(ctx context.Context, topic string, env Envelope) error {
	ctx, span := t.tracer.StartPublish(ctx, topic)
	err := t.Bus.Publish(ctx, topic, env)
	tracing.End(span, err)
	return err
}
