package models

import "time"

// ThreadState is the escalation FSM state of a ConversationThread.
type ThreadState string

const (
	ThreadActive         ThreadState = "active"
	ThreadWaitingSubject ThreadState = "waiting-subject"
	ThreadWaitingHuman   ThreadState = "waiting-human"
	ThreadResolved       ThreadState = "resolved"
	ThreadResumed        ThreadState = "resumed"
	ThreadAbandoned      ThreadState = "abandoned"
)

// terminalThreadStates are states Transition never moves a thread out of.
// Resumed is reached only through Resolve, directly from a non-terminal
// state, since it additionally requires a resolution payload and a linked
// execution to resume.
var terminalThreadStates = map[ThreadState]bool{
	ThreadResolved:  true,
	ThreadResumed:   true,
	ThreadAbandoned: true,
}

// validThreadTransitions enumerates the event-driven FSM edges.
// "resolved" is reachable from any non-terminal state, and
// "abandoned" is reached only via the timeout path in AbandonStale, never
// through Transition.
var validThreadTransitions = map[ThreadState][]ThreadState{
	ThreadActive:         {ThreadWaitingSubject, ThreadWaitingHuman, ThreadResolved},
	ThreadWaitingHuman:   {ThreadWaitingSubject, ThreadResolved},
	ThreadWaitingSubject: {ThreadWaitingHuman, ThreadResolved},
}

// ThreadMessage is one turn in a ConversationThread.
type ThreadMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationThread tracks an escalation that paused a workflow execution
// for human attention.
type ConversationThread struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	SubjectID       string          `json:"subject_id" db:"subject_id"`
	ExecutionID     string          `json:"execution_id,omitempty" db:"execution_id"`
	State           ThreadState     `json:"state" db:"state"`
	Reason          string          `json:"reason,omitempty" db:"reason"`
	Messages        []ThreadMessage `json:"messages" db:"messages"`
	PausedExecution bool            `json:"paused_execution" db:"paused_execution"`
	ResolvedBy      string          `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNote  string          `json:"resolution_note,omitempty" db:"resolution_note"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the thread's current state accepts no further
// event-driven transitions.
func (t *ConversationThread) IsTerminal() bool {
	return terminalThreadStates[t.State]
}

// CanTransition reports whether moving to next is a legal event-driven FSM
// edge from the thread's current state. Resolved is reachable from any
// non-terminal state; Resumed and Abandoned are not reached through this
// path (see Resolve and AbandonStale).
func (t *ConversationThread) CanTransition(next ThreadState) bool {
	if t.IsTerminal() {
		return false
	}
	for _, s := range validThreadTransitions[t.State] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition moves the thread to next if the edge is legal, reporting
// whether it did.
func (t *ConversationThread) Transition(next ThreadState) bool {
	if !t.CanTransition(next) {
		return false
	}
	t.State = next
	return true
}

// Resolve ends a non-terminal thread with resolution details. When resume is true the caller is responsible for invoking the
// workflow store's resume operation on ExecutionID and must only do so
// after Resolve reports true.
func (t *ConversationThread) Resolve(resolvedBy, note string, resume bool) bool {
	if t.IsTerminal() {
		return false
	}
	t.State = ThreadResolved
	t.ResolvedBy = resolvedBy
	t.ResolutionNote = note
	if resume && t.ExecutionID != "" {
		t.State = ThreadResumed
	}
	return true
}

// Abandon moves a non-terminal thread to abandoned. Reached only via the
// scheduler's timeout sweep (internal/threads.Store.AbandonStale), never
// as an event-driven Transition edge.
func (t *ConversationThread) Abandon() bool {
	if t.IsTerminal() {
		return false
	}
	t.State = ThreadAbandoned
	return true
}
