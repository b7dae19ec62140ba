package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadTransition_ValidEdges(t *testing.T) {
	th := &ConversationThread{State: ThreadActive}
	assert.True(t, th.Transition(ThreadWaitingHuman))
	assert.Equal(t, ThreadWaitingHuman, th.State)

	assert.True(t, th.Transition(ThreadWaitingSubject))
	assert.Equal(t, ThreadWaitingSubject, th.State)

	assert.True(t, th.Transition(ThreadWaitingHuman))
	assert.Equal(t, ThreadWaitingHuman, th.State)
}

func TestThreadTransition_RejectsIllegalEdge(t *testing.T) {
	th := &ConversationThread{State: ThreadActive}
	assert.False(t, th.Transition(ThreadResumed), "active cannot jump directly to resumed")
	assert.Equal(t, ThreadActive, th.State, "state must be unchanged after a rejected transition")
}

func TestThreadTransition_ResolvedIsTerminal(t *testing.T) {
	th := &ConversationThread{State: ThreadResolved}
	assert.False(t, th.Transition(ThreadActive))
	assert.False(t, th.Transition(ThreadWaitingHuman))
}

func TestThreadTransition_AbandonedIsTerminal(t *testing.T) {
	th := &ConversationThread{State: ThreadAbandoned}
	assert.False(t, th.Transition(ThreadResolved), "abandoned is only reached via the timeout path, not Transition, and is terminal")
}

func TestThreadTransition_ResolveReachableFromAnyNonTerminalState(t *testing.T) {
	for _, s := range []ThreadState{ThreadActive, ThreadWaitingHuman, ThreadWaitingSubject} {
		th := &ConversationThread{State: s}
		assert.True(t, th.Transition(ThreadResolved), "resolved must be reachable from %s", s)
	}
}

func TestResolve_WithoutResume(t *testing.T) {
	th := &ConversationThread{State: ThreadWaitingHuman, ExecutionID: "E1"}
	ok := th.Resolve("human-1", "handled manually", false)
	assert.True(t, ok)
	assert.Equal(t, ThreadResolved, th.State)
	assert.Equal(t, "human-1", th.ResolvedBy)
}

func TestResolve_WithResumeAndLinkedExecution(t *testing.T) {
	th := &ConversationThread{State: ThreadWaitingHuman, ExecutionID: "E1"}
	ok := th.Resolve("human-1", "back to automation", true)
	assert.True(t, ok)
	assert.Equal(t, ThreadResumed, th.State, "resume=true with a linked execution must land on resumed, not resolved")
}

func TestResolve_ResumeIgnoredWithoutLinkedExecution(t *testing.T) {
	th := &ConversationThread{State: ThreadWaitingHuman}
	th.Resolve("human-1", "no execution to resume", true)
	assert.Equal(t, ThreadResolved, th.State, "resume without a linked execution id must not transition to resumed")
}

func TestResolve_TerminalThreadRejected(t *testing.T) {
	th := &ConversationThread{State: ThreadAbandoned}
	assert.False(t, th.Resolve("human-1", "too late", false))
}

func TestAbandon(t *testing.T) {
	th := &ConversationThread{State: ThreadWaitingHuman}
	assert.True(t, th.Abandon())
	assert.Equal(t, ThreadAbandoned, th.State)

	assert.False(t, th.Abandon(), "an already-terminal thread cannot be abandoned again")
}
