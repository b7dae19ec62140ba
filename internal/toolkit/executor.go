package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker"

	"github.com/outreach-orchestrator/runtime/internal/errs"
	"github.com/outreach-orchestrator/runtime/internal/obsmetrics"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Result is what a tool execution returns to the caller. Kind classifies a failed Result into
// one of the error kinds so callers (worker handlers, the supervisor)
// can decide whether the failure is retryable without string-matching
// Error.
type Result struct {
	Success   bool
	Data      json.RawMessage
	Error     string
	Kind      errs.Kind
	ElapsedMS int64
	ToolName  string
	Timestamp time.Time
}

// PolicyGate vets a communication-channel tool call when tenant and
// subject are both present. It
// returns primitives rather than internal/policyengine.Decision so this
// package doesn't import policyengine (the executor is a lower-level
// dependency of the supervisor/worker-exec packages that also depend on
// policyengine, and importing it here would cycle); cmd/ wiring adapts
// *policyengine.Engine.EvaluateToolCall to this signature with a small
// closure.
type PolicyGate interface {
	EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string, at time.Time) (approved bool, violations []string, err error)
}

// MissingToolLogger records a call against a tool the registry doesn't
// have.
type MissingToolLogger interface {
	LogMissingTool(ctx context.Context, tenantID, toolName, workflowID, subjectID string) error
}

// ExecutionLogger appends a tool-usage entry to the current
// WorkflowExecution when one is known.
type ExecutionLogger interface {
	LogToolUsage(ctx context.Context, executionID string, call models.ToolCall, result Result) error
}

// Executor runs tool invocations with schema validation, a policy gate, a
// timeout-bounded worker, and retry.
type Executor struct {
	registry   *Registry
	missingLog MissingToolLogger
	policy     PolicyGate
	execLog    ExecutionLogger
	logger     *slog.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewExecutor builds an Executor. missingLog, policy, and execLog may all
// be nil: a nil missingLog silently drops missing-tool records, a nil
// policy skips the gate, a nil execLog skips tool-usage logging.
func NewExecutor(registry *Registry, missingLog MissingToolLogger, policy PolicyGate, execLog ExecutionLogger, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:   registry,
		missingLog: missingLog,
		policy:     policy,
		execLog:    execLog,
		logger:     logger.With("component", "toolkit.executor"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Invocation is the input to Execute: a tool name plus the tenant,
// subject, agent, and execution context the call runs under.
type Invocation struct {
	ToolName    string
	TenantID    string
	SubjectID   string
	AgentID     string
	ExecutionID string
	Params      json.RawMessage
}

// channelTools names the tools the policy gate applies to. Concrete tool packages register
// here via MarkCommunicationChannel when their tools are registered.
var channelTools = map[string]bool{}

// MarkCommunicationChannel flags toolName as a communication channel so
// Execute applies the policy gate to it.
func MarkCommunicationChannel(toolName string) {
	channelTools[toolName] = true
}

// Execute runs one invocation end to end.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	start := time.Now()

	tool, ok := e.registry.Get(inv.ToolName)
	if !ok {
		e.logMissing(ctx, inv)
		obsmetrics.ToolInvocations.WithLabelValues(inv.ToolName, "missing").Inc()
		return e.fail(inv.ToolName, start, errs.KindMissingTool, errs.New("toolkit.Execute", errs.KindMissingTool, fmt.Errorf("tool %q not registered", inv.ToolName)))
	}
	if err := tool.Probe(ctx); err != nil {
		return e.fail(inv.ToolName, start, errs.KindPermanentTool, errs.New("toolkit.Execute", errs.KindPermanentTool, fmt.Errorf("tool %q unavailable: %w", inv.ToolName, err)))
	}

	if err := validateParams(tool.Schema(), inv.Params); err != nil {
		return e.fail(inv.ToolName, start, errs.KindValidation, errs.New("toolkit.Execute", errs.KindValidation, fmt.Errorf("invalid params: %w", err)))
	}

	if e.policy != nil && inv.TenantID != "" && inv.SubjectID != "" && channelTools[inv.ToolName] {
		approved, violations, err := e.policy.EvaluateToolCall(ctx, inv.TenantID, inv.SubjectID, inv.ToolName, time.Now())
		if err != nil {
			return e.fail(inv.ToolName, start, errs.KindTransientTool, errs.New("toolkit.Execute", errs.KindTransientTool, fmt.Errorf("policy gate: %w", err)))
		}
		if !approved {
			obsmetrics.ToolInvocations.WithLabelValues(inv.ToolName, "denied").Inc()
			obsmetrics.PolicyDenials.WithLabelValues(inv.ToolName).Inc()
			return e.fail(inv.ToolName, start, errs.KindPolicyDenied, errs.New("toolkit.Execute", errs.KindPolicyDenied, fmt.Errorf("policy denied: %v", violations)).WithDetails(map[string]any{"violations": violations}))
		}
	}

	data, err := e.runWithRetry(ctx, tool, inv.Params)
	elapsed := time.Since(start)

	obsmetrics.ToolLatency.WithLabelValues(inv.ToolName).Observe(elapsed.Seconds())
	if err == nil {
		obsmetrics.ToolInvocations.WithLabelValues(inv.ToolName, "success").Inc()
	} else {
		obsmetrics.ToolInvocations.WithLabelValues(inv.ToolName, "failure").Inc()
	}

	result := Result{
		Success:   err == nil,
		Data:      data,
		ElapsedMS: elapsed.Milliseconds(),
		ToolName:  inv.ToolName,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
		if e, ok := errs.As(err); ok {
			result.Kind = e.Kind
		} else {
			result.Kind = errs.KindTransientTool
		}
	}

	if e.execLog != nil && inv.ExecutionID != "" {
		call := models.ToolCall{ToolName: inv.ToolName, SubjectID: inv.SubjectID, Params: inv.Params}
		if logErr := e.execLog.LogToolUsage(ctx, inv.ExecutionID, call, result); logErr != nil {
			e.logger.Warn("toolkit: log tool usage failed", "error", logErr)
		}
	}

	return result
}

func (e *Executor) logMissing(ctx context.Context, inv Invocation) {
	if e.missingLog == nil {
		return
	}
	if err := e.missingLog.LogMissingTool(ctx, inv.TenantID, inv.ToolName, "", inv.SubjectID); err != nil {
		e.logger.Warn("toolkit: log missing tool failed", "error", err)
	}
}

func (e *Executor) fail(toolName string, start time.Time, kind errs.Kind, err error) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		Kind:      kind,
		ElapsedMS: time.Since(start).Milliseconds(),
		ToolName:  toolName,
		Timestamp: start,
	}
}

// runWithRetry runs tool on a timeout-bounded worker, retrying a timeout
// or transient failure per the tool's RetryPolicy, behind
// a per-tool circuit breaker so a persistently failing external tool
// transport stops being hammered.
func (e *Executor) runWithRetry(ctx context.Context, tool Tool, params json.RawMessage) (json.RawMessage, error) {
	policy := tool.RetryPolicy()
	breaker := e.breakerFor(tool.Name())

	var lastErr error
	attempts := policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := breaker.Execute(func() (any, error) {
			return e.runOnce(ctx, tool, params)
		})
		if err == nil {
			out, _ := data.(json.RawMessage)
			return out, nil
		}
		lastErr = err
		if !isRetryable(err, policy) {
			break
		}
	}
	return nil, lastErr
}

func (e *Executor) runOnce(ctx context.Context, tool Tool, params json.RawMessage) (json.RawMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, tool.Timeout())
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := tool.Run(runCtx, params)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-runCtx.Done():
		return nil, fmt.Errorf("tool %q timed out after %s: %w", tool.Name(), tool.Timeout(), runCtx.Err())
	case o := <-done:
		return o.data, o.err
	}
}

func (e *Executor) breakerFor(toolName string) *gobreaker.CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	if b, ok := e.breakers[toolName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "toolkit:" + toolName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	e.breakers[toolName] = b
	return b
}

// isRetryable applies the tool's retry policy per failure class: a
// timeout retries only when the policy opts in, an open breaker never
// retries (the next attempt would fail identically), and any other Run
// failure retries up to MaxRetries.
func isRetryable(err error, policy RetryPolicy) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return policy.RetryOnTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}

var schemaCache sync.Map

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}

func validateParams(schema json.RawMessage, params json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(string(schema))
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
