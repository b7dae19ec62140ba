// Package jobqueue implements the durable job queue + DLQ: a
// secondary, in-process delivery mechanism for task descriptors (as
// opposed to cross-service bus events), backed by the worker_tasks and
// dead_letter_queue_entries tables. It is used for agent-invocation fan-out
// from an ingested event and for periodic execution of scheduled actions.
package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// DefaultMaxAttempts is the retry cap applied to a task unless the caller
// sets a smaller one explicitly.
const DefaultMaxAttempts = 3

// DeadLetterRetryLimit bounds how many times a single DLQ entry may be
// requeued before it is auto-marked processed without further retry
//.
const DeadLetterRetryLimit = 3

// Store persists WorkerTask descriptors and their DeadLetterEntry records.
// internal/storage's postgres/sqlite backends implement this against the
// worker_tasks and dead_letter_queue_entries tables; MemoryStore is the
// test/standalone double.
type Store interface {
	Enqueue(ctx context.Context, task *models.WorkerTask) error
	// ClaimNext returns the oldest queued task whose AvailableAt has
	// elapsed, marking it running, or nil if none are ready. When types
	// are named, only tasks of those types are claimed: the queue's poll
	// loop passes the types it has handlers for, so rows owned by another
	// dispatch path (stage-action and escalation tasks delivered over the
	// bus to the worker executor) are never claimed here.
	ClaimNext(ctx context.Context, types ...string) (*models.WorkerTask, error)
	// Get returns a task by id, for callers that received it out of band
	// (a bus envelope) and need its current status before acting on it —
	// internal/workerexec's idempotency check on redelivery.
	Get(ctx context.Context, taskID string) (*models.WorkerTask, error)
	// MarkRunning transitions a task to running outside the ClaimNext
	// path, for a task dispatched by bus envelope rather than polled.
	MarkRunning(ctx context.Context, taskID string) error
	MarkSucceeded(ctx context.Context, taskID string) error
	// MarkFailed records a failed attempt. If the task is now exhausted it
	// moves to dead_letter status and a DeadLetterEntry is created;
	// otherwise AvailableAt is pushed out by an exponential backoff.
	MarkFailed(ctx context.Context, taskID string, cause error) error

	// AddDeadLetter inserts a dead-letter entry directly, for failures
	// with no backing task row (a consumer group's unparseable or
	// permanently failing envelope). Inserting an id that already
	// exists is a no-op.
	AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error)
	MarkDeadLetterProcessed(ctx context.Context, id string) error
	// RequeueDeadLetter re-enqueues the task behind entry with a reduced
	// max-attempts budget, incrementing entry.RequeuedCount.
	RequeueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry, reducedMaxAttempts int) error
}

// MemoryStore is an in-process Store for tests and standalone runs.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.WorkerTask
	order       []string
	deadLetters map[string]*models.DeadLetterEntry
	dlqOrder    []string
}

// NewMemoryStore returns a ready-to-use in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*models.WorkerTask),
		deadLetters: make(map[string]*models.DeadLetterEntry),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, task *models.WorkerTask) error {
	if task == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.MaxAttempts == 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = time.Now()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = time.Now()

	if _, exists := s.tasks[task.ID]; !exists {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, types ...string) (*models.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	now := time.Now()
	var ready []*models.WorkerTask
	for _, id := range s.order {
		t := s.tasks[id]
		if t == nil || t.Status != models.TaskQueued {
			continue
		}
		if t.AvailableAt.After(now) {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Type] {
			continue
		}
		ready = append(ready, t)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })

	claimed := ready[0]
	claimed.Status = models.TaskRunning
	claimed.UpdatedAt = now
	s.tasks[claimed.ID] = claimed
	return cloneTask(claimed), nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*models.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = models.TaskRunning
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkSucceeded(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = models.TaskSucceeded
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, taskID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Attempts++
	t.UpdatedAt = time.Now()
	if cause != nil {
		t.LastError = cause.Error()
	}

	if t.Exhausted() {
		t.Status = models.TaskDeadLetter
		entry := &models.DeadLetterEntry{
			ID:        taskID + "-dlq",
			TaskID:    taskID,
			TenantID:  t.TenantID,
			Reason:    t.LastError,
			Attempts:  t.Attempts,
			CreatedAt: time.Now(),
		}
		if _, exists := s.deadLetters[entry.ID]; !exists {
			s.dlqOrder = append(s.dlqOrder, entry.ID)
		}
		s.deadLetters[entry.ID] = entry
		return nil
	}

	t.Status = models.TaskQueued
	t.AvailableAt = time.Now().Add(backoff(t.Attempts))
	return nil
}

func (s *MemoryStore) AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deadLetters[entry.ID]; exists {
		return nil
	}
	e := *entry
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.deadLetters[e.ID] = &e
	s.dlqOrder = append(s.dlqOrder, e.ID)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.DeadLetterEntry
	for _, id := range s.dlqOrder {
		entry := s.deadLetters[id]
		if entry == nil || entry.Requeued {
			continue
		}
		e := *entry
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDeadLetterProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.deadLetters[id]; ok {
		entry.Requeued = true
	}
	return nil
}

func (s *MemoryStore) RequeueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry, reducedMaxAttempts int) error {
	s.mu.Lock()
	original, ok := s.tasks[entry.TaskID]
	s.mu.Unlock()
	if !ok {
		return s.MarkDeadLetterProcessed(ctx, entry.ID)
	}

	requeued := cloneTask(original)
	requeued.Status = models.TaskQueued
	requeued.Attempts = 0
	requeued.MaxAttempts = reducedMaxAttempts
	requeued.AvailableAt = time.Now()

	if err := s.Enqueue(ctx, requeued); err != nil {
		return err
	}

	s.mu.Lock()
	entry.RequeuedCount++
	entry.Requeued = true
	if stored, ok := s.deadLetters[entry.ID]; ok {
		stored.RequeuedCount = entry.RequeuedCount
		stored.Requeued = true
	}
	s.mu.Unlock()
	return nil
}

// backoff computes the exponential retry delay for the given attempt
// count: 1s, 2s, 4s, 8s, ... capped at one minute.
func backoff(attempts int) time.Duration {
	d := time.Second
	for i := 1; i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func cloneTask(t *models.WorkerTask) *models.WorkerTask {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
