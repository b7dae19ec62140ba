// Package storage persists the shared domain entities that more than one
// component reads or writes: tenants, subjects, ingested events, subject
// context rollups, versioned workflows and their runtime executions,
// escalation threads, missing-tool requests, per-tenant policy overrides,
// and dispatched actions. Each entity family gets its own narrow store
// interface so a caller only depends on the slice of persistence it
// actually uses; StoreSet bundles all of them for callers (mainly cmd/)
// that wire up a full process.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// TenantStore persists campaign-owning tenants.
type TenantStore interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	Get(ctx context.Context, id string) (*models.Tenant, error)
}

// SubjectStore persists campaign recipients. GetSubject satisfies
// policyengine.SubjectLookup directly, so the Subjects field of any
// StoreSet can be handed to policyengine.New without an adapter.
type SubjectStore interface {
	Create(ctx context.Context, subject *models.Subject) error
	GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error)
	Update(ctx context.Context, subject *models.Subject) error
	// FindByHandle resolves a subject from a channel handle (e.g. a
	// recipient email address) when a webhook's distinct-id isn't a
	// subject id directly. Ingress's resolver tries this only
	// after a direct id lookup fails.
	FindByHandle(ctx context.Context, tenantID string, channel models.ChannelType, handle string) (*models.Subject, bool, error)
}

// EventStore persists ingested events. FindByFingerprint satisfies
// dedupe.EventLookup directly.
type EventStore interface {
	Create(ctx context.Context, event *models.Event) error
	FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error)
	Get(ctx context.Context, id string) (*models.Event, error)
}

// SubjectContextStore persists the materialized per-subject rollup the
// stage lattice reducer produces.
type SubjectContextStore interface {
	Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error)
	Upsert(ctx context.Context, ctxRow *models.SubjectContext) error
}

// WorkflowStore persists the current-version row of a workflow plan plus
// its append-only version history.
type WorkflowStore interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	Get(ctx context.Context, id string) (*models.Workflow, error)
	// Update replaces the current-version row with workflow (whose Version
	// field must already be incremented by the caller) and appends version
	// as the immutable history record in the same unit of work.
	Update(ctx context.Context, workflow *models.Workflow, version *models.WorkflowVersion) error
	ListVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error)
}

// WorkflowExecutionStore persists runtime execution state pinned to a
// workflow version.
type WorkflowExecutionStore interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Update(ctx context.Context, execution *models.WorkflowExecution) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
}

// ConversationThreadStore persists escalation threads. Messages are kept
// as an embedded slice on ConversationThread (mirrors WorkflowExecution's
// embedded Decisions/ToolUsage logs) rather than a join table, since a
// thread's messages are always read and written with the thread as a
// whole.
type ConversationThreadStore interface {
	Create(ctx context.Context, thread *models.ConversationThread) error
	Get(ctx context.Context, id string) (*models.ConversationThread, error)
	Update(ctx context.Context, thread *models.ConversationThread) error
	// ListStale returns non-terminal threads whose UpdatedAt is at or
	// before cutoff, for the scheduler's AbandonStale sweep.
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.ConversationThread, error)
}

// MissingToolRequestStore durably records the accumulator rows
// internal/toolkit's registry keeps in memory, so a missing-tool report
// survives a process restart. The registry remains the authoritative
// fast-path counter; this store is a best-effort mirror a caller flushes
// to periodically.
type MissingToolRequestStore interface {
	Upsert(ctx context.Context, req *models.MissingToolRequest) error
	List(ctx context.Context, tenantID string) ([]*models.MissingToolRequest, error)
}

// PolicyRuleStore persists per-tenant policy override rows.
type PolicyRuleStore interface {
	Get(ctx context.Context, tenantID, key string) (*models.PolicyRule, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*models.PolicyRule, error)
	Upsert(ctx context.Context, rule *models.PolicyRule) error
}

// ActionStore persists proposed and dispatched communications. Counting
// executed actions per channel/window is handled durably in Redis by
// policyengine.RedisRateLimiter; this store is the row-level record of
// what the policy gate decided and what was actually sent, not the
// rate-limit hot path.
type ActionStore interface {
	Create(ctx context.Context, action *models.Action) error
	Update(ctx context.Context, action *models.Action) error
	ListBySubject(ctx context.Context, tenantID, subjectID string) ([]*models.Action, error)
}

// StoreSet groups every storage dependency a fully wired process needs.
type StoreSet struct {
	Tenants             TenantStore
	Subjects            SubjectStore
	Events              EventStore
	SubjectContexts     SubjectContextStore
	Workflows           WorkflowStore
	WorkflowExecutions  WorkflowExecutionStore
	ConversationThreads ConversationThreadStore
	MissingToolRequests MissingToolRequestStore
	PolicyRules         PolicyRuleStore
	Actions             ActionStore
	closer              func() error
	pinger              func(ctx context.Context) error
}

// Close releases any underlying resources (a pooled *sql.DB for a SQL
// backend; a no-op for memory).
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Ping checks connectivity to the underlying backend, for the health
// endpoint's "database" check. A memory-backed StoreSet has no
// pinger and always reports healthy.
func (s StoreSet) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}
