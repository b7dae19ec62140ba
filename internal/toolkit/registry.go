// Package toolkit is the process-wide tool registry and executor: a
// named capability with a JSON-schema-validated parameter contract, a
// timeout, and a retry policy, looked up and invoked by the worker
// executor and the supervisor's tool-call planning. A registry is filled
// once at startup and read many times; tool packages do not self-register
// on import, their Register functions are called explicitly.
package toolkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// RetryPolicy controls how Executor retries a failing tool call.
type RetryPolicy struct {
	RetryOnTimeout bool
	MaxRetries     int
}

// DefaultRetryPolicy is applied to a Tool that doesn't set its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{RetryOnTimeout: true, MaxRetries: 2}
}

// AvailabilityProbe checks a tool's credentials/dependencies. A nil probe
// is always available.
type AvailabilityProbe func(ctx context.Context) error

// Tool is a named capability the executor can invoke. Run receives
// already-schema-validated params.
type Tool interface {
	Name() string
	Description() string
	Category() string
	Schema() json.RawMessage
	Timeout() time.Duration
	RetryPolicy() RetryPolicy
	Probe(ctx context.Context) error
	Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// BaseTool is embedded by concrete tools to supply the common plumbing
// (name/description/category/schema/timeout/retry/probe), leaving Run as
// the only method a tool author must implement.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	ToolCategory    string
	ToolSchema      json.RawMessage
	ToolTimeout     time.Duration
	ToolRetry       RetryPolicy
	ToolProbe       AvailabilityProbe
}

func (b BaseTool) Name() string             { return b.ToolName }
func (b BaseTool) Description() string      { return b.ToolDescription }
func (b BaseTool) Category() string         { return b.ToolCategory }
func (b BaseTool) Schema() json.RawMessage  { return b.ToolSchema }
func (b BaseTool) RetryPolicy() RetryPolicy { return b.ToolRetry }

func (b BaseTool) Timeout() time.Duration {
	if b.ToolTimeout <= 0 {
		return 30 * time.Second
	}
	return b.ToolTimeout
}

func (b BaseTool) Probe(ctx context.Context) error {
	if b.ToolProbe == nil {
		return nil
	}
	return b.ToolProbe(ctx)
}

// Registry is the process-wide singleton of registered tools:
// init-once, probe-refresh is the only mutation, reads are lock-shared.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	missing map[string]*models.MissingToolRequest
	logger  *slog.Logger
}

// NewRegistry returns an empty Registry; callers populate it with Register
// (see internal/toolkit/builtins.Register).
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		missing: make(map[string]*models.MissingToolRequest),
		logger:  logger.With("component", "toolkit"),
	}
}

// Register adds tool to the registry, replacing any prior registration
// under the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.logger.Debug("registered tool", "name", tool.Name(), "category", tool.Category())
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, snapshotted under the read lock so
// the copy-on-write contract holds even while RefreshAvailability runs.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// RefreshAvailability re-runs every tool's probe and returns the set of
// tool names that failed.
func (r *Registry) RefreshAvailability(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, t := range r.List() {
		if err := t.Probe(ctx); err != nil {
			failures[t.Name()] = err
		}
	}
	return failures
}

// LogMissingTool implements MissingToolLogger by collapsing repeated
// requests for the same tenant+tool into one accumulator row: the
// first request inserts with count 1, subsequent ones increment the
// counter and upgrade priority only if the new request's priority is
// higher. priority follows the bus's ordering (critical > high > normal >
// low > bulk; an empty priority leaves the existing one unchanged).
func (r *Registry) LogMissingTool(ctx context.Context, tenantID, toolName, workflowID, subjectID string) error {
	return r.logMissingToolWithPriority(tenantID, toolName, workflowID, subjectID, "", "")
}

// LogMissingToolWithDetail is LogMissingTool plus a priority and note,
// for callers (the worker executor) that know more about the call site
// than the bare Executor.Execute missing-tool path does.
func (r *Registry) LogMissingToolWithDetail(ctx context.Context, tenantID, toolName, workflowID, subjectID, priority, note string) error {
	return r.logMissingToolWithPriority(tenantID, toolName, workflowID, subjectID, priority, note)
}

func (r *Registry) logMissingToolWithPriority(tenantID, toolName, workflowID, subjectID, priority, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tenantID + "|" + toolName
	now := time.Now()
	existing, ok := r.missing[key]
	if !ok {
		r.missing[key] = &models.MissingToolRequest{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ToolName:    toolName,
			WorkflowID:  workflowID,
			SubjectID:   subjectID,
			Count:       1,
			Priority:    priority,
			Notes:       note,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
		return nil
	}

	existing.Count++
	existing.LastSeenAt = now
	if priority != "" && missingToolPriorityRank(priority) > missingToolPriorityRank(existing.Priority) {
		existing.Priority = priority
	}
	if note != "" {
		if existing.Notes != "" {
			existing.Notes += "; " + note
		} else {
			existing.Notes = note
		}
	}
	return nil
}

// missingToolPriorityRank orders priority strings for the "upgrade
// priority if higher" comparison in logMissingToolWithPriority.
func missingToolPriorityRank(p string) int {
	switch p {
	case "critical":
		return 4
	case "high":
		return 3
	case "normal":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// MissingTools returns every accumulated MissingToolRequest not yet
// marked implemented.
func (r *Registry) MissingTools() []*models.MissingToolRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.MissingToolRequest, 0, len(r.missing))
	for _, m := range r.missing {
		if !m.Implemented {
			out = append(out, m)
		}
	}
	return out
}

// defaultRegistry is a process-wide Registry instance. No tool package
// registers on it from an init function: internal/toolkit/builtins.Register
// takes the registry to populate as an argument.
var defaultRegistry = NewRegistry(nil)

// Default returns the process-wide tool registry singleton.
func Default() *Registry {
	return defaultRegistry
}

// MarkImplemented clears the missing-tool flag in bulk for every
// accumulated request whose tool name is in toolNames.
func (r *Registry) MarkImplemented(toolNames ...string) {
	set := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		set[n] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.missing {
		if set[m.ToolName] {
			m.Implemented = true
		}
	}
}
