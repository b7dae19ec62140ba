// Package threads owns the escalation state machine:
// creating a ConversationThread when a worker hands a subject to a human,
// appending messages as the FSM moves through active/waiting-human/
// waiting-subject, and resolving (optionally resuming the linked
// workflow execution) or abandoning a stale thread. The FSM edges
// themselves live on models.ConversationThread; this package is the
// persistence and workflow-linkage layer around it.
package threads

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Backend is the persistence slice Store needs; internal/storage's
// ConversationThreadStore satisfies it directly.
type Backend interface {
	Create(ctx context.Context, thread *models.ConversationThread) error
	Get(ctx context.Context, id string) (*models.ConversationThread, error)
	Update(ctx context.Context, thread *models.ConversationThread) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.ConversationThread, error)
}

// WorkflowLinker is the slice of internal/workflowstore.Store a thread
// needs to pause on escalation and resume on resolution. Keeping this as
// a narrow interface (rather than importing workflowstore.Store
// directly) avoids a cycle since workerexec depends on both packages.
type WorkflowLinker interface {
	Pause(ctx context.Context, executionID, reason string) error
	Resume(ctx context.Context, executionID, reason string) error
}

// Store creates and transitions ConversationThreads.
type Store struct {
	backend  Backend
	workflow WorkflowLinker
}

// New builds a Store. workflow may be nil for a thread never linked to an
// execution (tests, or escalations the spec treats as execution-less).
func New(backend Backend, workflow WorkflowLinker) *Store {
	return &Store{backend: backend, workflow: workflow}
}

// EscalateRequest is the input to Escalate.
type EscalateRequest struct {
	TenantID    string `json:"tenant_id"`
	SubjectID   string `json:"subject_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Reason      string `json:"reason"`
	// SubjectMessage and AgentNote seed the thread's initial messages
	// when non-empty.
	SubjectMessage string `json:"subject_message,omitempty"`
	AgentNote      string `json:"agent_note,omitempty"`
}

// Escalate creates a ConversationThread in waiting-human status, seeds its
// initial messages, and — when the request carries an execution id —
// pauses that execution with a decision log entry.
func (s *Store) Escalate(ctx context.Context, req EscalateRequest) (*models.ConversationThread, error) {
	now := time.Now().UTC()
	thread := &models.ConversationThread{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		SubjectID:   req.SubjectID,
		ExecutionID: req.ExecutionID,
		State:       models.ThreadWaitingHuman,
		Reason:      req.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.SubjectMessage != "" {
		thread.Messages = append(thread.Messages, models.ThreadMessage{
			ID: uuid.NewString(), ThreadID: thread.ID, Author: "subject", Body: req.SubjectMessage, CreatedAt: now,
		})
	}
	if req.AgentNote != "" {
		thread.Messages = append(thread.Messages, models.ThreadMessage{
			ID: uuid.NewString(), ThreadID: thread.ID, Author: "agent:" + req.AgentID, Body: req.AgentNote, CreatedAt: now,
		})
	}

	if err := s.backend.Create(ctx, thread); err != nil {
		return nil, fmt.Errorf("threads: create thread: %w", err)
	}

	if req.ExecutionID != "" && s.workflow != nil {
		if err := s.workflow.Pause(ctx, req.ExecutionID, "escalated: "+req.Reason); err != nil {
			return nil, fmt.Errorf("threads: pause execution %s: %w", req.ExecutionID, err)
		}
		thread.PausedExecution = true
		if err := s.backend.Update(ctx, thread); err != nil {
			return nil, fmt.Errorf("threads: record paused execution: %w", err)
		}
	}

	return thread, nil
}

// Get returns the thread by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ConversationThread, error) {
	return s.backend.Get(ctx, id)
}

// AppendMessage records one turn and applies the FSM edge implied by
// sender: a human sending moves the thread to waiting-subject, a
// subject reply moves it to waiting-human. A message on a terminal thread
// is rejected — escalation intake must not resurrect a resolved thread.
func (s *Store) AppendMessage(ctx context.Context, threadID, senderType, senderID, body string) (*models.ConversationThread, error) {
	thread, err := s.backend.Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("threads: load thread %s: %w", threadID, err)
	}
	if thread.IsTerminal() {
		return nil, fmt.Errorf("threads: thread %s is terminal, rejecting message", threadID)
	}

	thread.Messages = append(thread.Messages, models.ThreadMessage{
		ID: uuid.NewString(), ThreadID: threadID, Author: senderType + ":" + senderID, Body: body, CreatedAt: time.Now().UTC(),
	})

	switch senderType {
	case "human":
		thread.Transition(models.ThreadWaitingSubject)
	case "subject":
		thread.Transition(models.ThreadWaitingHuman)
	}

	if err := s.backend.Update(ctx, thread); err != nil {
		return nil, fmt.Errorf("threads: persist message on %s: %w", threadID, err)
	}
	return thread, nil
}

// ResolveRequest is the input to Resolve.
type ResolveRequest struct {
	ThreadID       string
	ResolvedBy     string
	ResolutionNote string
	Resume         bool
}

// Resolve ends a non-terminal thread, and when Resume is requested and the
// thread is linked to an execution, resumes that execution.
func (s *Store) Resolve(ctx context.Context, req ResolveRequest) (*models.ConversationThread, error) {
	thread, err := s.backend.Get(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("threads: load thread %s: %w", req.ThreadID, err)
	}

	if !thread.Resolve(req.ResolvedBy, req.ResolutionNote, req.Resume) {
		return nil, fmt.Errorf("threads: thread %s cannot be resolved from state %s", req.ThreadID, thread.State)
	}

	if req.Resume && thread.ExecutionID != "" && s.workflow != nil {
		if err := s.workflow.Resume(ctx, thread.ExecutionID, "escalation resolved: "+req.ResolutionNote); err != nil {
			return nil, fmt.Errorf("threads: resume execution %s: %w", thread.ExecutionID, err)
		}
	}

	if err := s.backend.Update(ctx, thread); err != nil {
		return nil, fmt.Errorf("threads: persist resolution on %s: %w", req.ThreadID, err)
	}
	return thread, nil
}

// AbandonStale moves every non-terminal thread last touched at or before
// cutoff to abandoned,
// driven by the scheduler daemon rather than an inline timer per thread.
func (s *Store) AbandonStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.backend.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("threads: list stale: %w", err)
	}

	var abandoned int
	for _, thread := range stale {
		if !thread.Abandon() {
			continue
		}
		if err := s.backend.Update(ctx, thread); err != nil {
			return abandoned, fmt.Errorf("threads: persist abandon on %s: %w", thread.ID, err)
		}
		abandoned++
	}
	return abandoned, nil
}
