package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/obsmetrics"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// TaskHandler executes one task type's payload.
type TaskHandler func(ctx context.Context, task *models.WorkerTask) error

// Queue dequeues and dispatches WorkerTask descriptors to registered
// handlers, polling the Store for ready work.
type Queue struct {
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
	handlers     map[string]TaskHandler
}

// NewQueue constructs a Queue over store. pollInterval defaults to 250ms.
func NewQueue(store Store, logger *slog.Logger, pollInterval time.Duration) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Queue{
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		handlers:     make(map[string]TaskHandler),
	}
}

// RegisterHandler associates a task type with its handler.
func (q *Queue) RegisterHandler(taskType string, handler TaskHandler) {
	q.handlers[taskType] = handler
}

// Enqueue adds a new task descriptor, defaulting MaxAttempts to
// DefaultMaxAttempts and generating an id when unset.
func (q *Queue) Enqueue(ctx context.Context, task *models.WorkerTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}
	return q.store.Enqueue(ctx, task)
}

// SendDeadLetter implements consumergroup.DeadLetterSink, letting a bus
// consumer group route handler failures into the same DLQ table this queue
// manages. The failed envelope has no backing task row, so the entry is
// inserted directly rather than through the MarkFailed exhaustion path.
func (q *Queue) SendDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error {
	if entry.ID == "" {
		entry.ID = entry.TaskID + "-dlq"
	}
	obsmetrics.DeadLetters.Inc()
	return q.store.AddDeadLetter(ctx, &entry)
}

// Run polls the store for ready tasks and dispatches them to the
// registered handler until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainReady(ctx)
		}
	}
}

// drainReady claims and dispatches until no ready task remains. Claims
// are restricted to the task types this queue has handlers for; with no
// handlers registered the loop claims nothing, so a daemon that builds a
// Queue only for its DLQ operations never steals rows from the bus
// dispatch path.
func (q *Queue) drainReady(ctx context.Context) {
	types := q.handlerTypes()
	if len(types) == 0 {
		return
	}
	for {
		task, err := q.store.ClaimNext(ctx, types...)
		if err != nil {
			q.logger.Warn("jobqueue: claim next failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		q.dispatch(ctx, task)
	}
}

func (q *Queue) handlerTypes() []string {
	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	return types
}

func (q *Queue) dispatch(ctx context.Context, task *models.WorkerTask) {
	handler, ok := q.handlers[task.Type]
	if !ok {
		q.logger.Warn("jobqueue: no handler registered", "task_type", task.Type, "task_id", task.ID)
		obsmetrics.QueueTasks.WithLabelValues("unhandled").Inc()
		if err := q.store.MarkFailed(ctx, task.ID, fmt.Errorf("no handler for task type %q", task.Type)); err != nil {
			q.logger.Error("jobqueue: mark failed errored", "error", err)
		}
		return
	}

	if err := handler(ctx, task); err != nil {
		q.logger.Warn("jobqueue: task handler failed", "task_id", task.ID, "task_type", task.Type, "error", err)
		obsmetrics.QueueTasks.WithLabelValues("failed").Inc()
		if markErr := q.store.MarkFailed(ctx, task.ID, err); markErr != nil {
			q.logger.Error("jobqueue: mark failed errored", "error", markErr)
		}
		return
	}

	obsmetrics.QueueTasks.WithLabelValues("succeeded").Inc()
	if err := q.store.MarkSucceeded(ctx, task.ID); err != nil {
		q.logger.Error("jobqueue: mark succeeded errored", "error", err)
	}
}

// ReprocessDeadLetters is the supervised reprocessing action: read
// up to n unprocessed DLQ entries, re-enqueue each with a reduced retry
// cap, mark processed on success. An entry already requeued
// DeadLetterRetryLimit times or more is auto-marked processed without
// retry to avoid infinite reprocessing loops.
func (q *Queue) ReprocessDeadLetters(ctx context.Context, n int, reducedMaxAttempts int) (reprocessed int, skipped int, err error) {
	entries, err := q.store.ListDeadLetters(ctx, n)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		if entry.RequeuedCount >= DeadLetterRetryLimit {
			if markErr := q.store.MarkDeadLetterProcessed(ctx, entry.ID); markErr != nil {
				q.logger.Error("jobqueue: mark processed errored", "error", markErr)
				continue
			}
			skipped++
			continue
		}

		if requeueErr := q.store.RequeueDeadLetter(ctx, entry, reducedMaxAttempts); requeueErr != nil {
			q.logger.Error("jobqueue: requeue dead letter errored", "dlq_id", entry.ID, "error", requeueErr)
			continue
		}
		reprocessed++
	}

	return reprocessed, skipped, nil
}
