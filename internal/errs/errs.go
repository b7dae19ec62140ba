// Package errs names the error kinds the orchestration runtime classifies
// exceptions into, plumbed with plain stdlib wrapping (fmt.Errorf("%w", ...),
// errors.Is/errors.As) rather than a class hierarchy.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error kinds the consumer-group runtime and
// component handlers classify failures into.
type Kind string

const (
	// KindValidation: envelope/schema/parameter malformed. Reported
	// immediately to the caller; never retried; not DLQ'd.
	KindValidation Kind = "validation"

	// KindPolicyDenied: action violates consent, rate limit, or quiet
	// hours. Reported with the violation list; the denied action is
	// persisted with status denied; not retried.
	KindPolicyDenied Kind = "policy_denied"

	// KindTransientTool: tool timeout, I/O, or transport blip. Retried
	// per the tool's retry policy; after exhaustion, surfaced as a
	// failed ToolResult and logged.
	KindTransientTool Kind = "transient_tool"

	// KindPermanentTool: schema refusal, credential rejection. Not
	// retried; surfaced and logged.
	KindPermanentTool Kind = "permanent_tool"

	// KindMissingTool: requested tool absent or unavailable. Logged as
	// a MissingToolRequest; call returns a typed failure result.
	KindMissingTool Kind = "missing_tool"

	// KindPlannerParse: LLM output is not JSON after tolerant cleanup.
	// Logged; a fallback plan is used; the workflow is still created.
	KindPlannerParse Kind = "planner_parse"

	// KindTaskTerminal: a WorkerTask exceeded its max retries. A DLQ
	// entry is written and worker-task-completed{success=false} is
	// published.
	KindTaskTerminal Kind = "task_terminal_failure"

	// KindStageProgression: next-stage computation invariant violated,
	// e.g. current_stage not present in workflow.stages. Logged; the
	// execution's status is set to failed.
	KindStageProgression Kind = "stage_progression"
)

// Retryable reports whether errors of this kind should be retried by the
// consumer-group/job-queue runtime before giving up.
func (k Kind) Retryable() bool {
	return k == KindTransientTool
}

// Error is the structured error type every component wraps its failures
// in before it crosses a package boundary. Cause is the underlying error;
// Error wraps it with Unwrap so errors.Is/errors.As see through it.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "toolkit.Execute"
	Cause   error
	Details map[string]any // e.g. policy violation list, missing tool name
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error for op/kind wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// WithDetails attaches structured context (policy violations, missing tool
// name, attempt count) and returns the same *Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Is reports whether err is or wraps an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As extracts the *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Sentinel errors for the few cases components compare directly rather
// than through Kind.
var (
	ErrTaskExhausted  = errors.New("worker task exceeded max attempts")
	ErrDuplicateEvent = errors.New("event fingerprint already persisted")
	ErrUnknownStage   = errors.New("stage not present in workflow.stages")
)
