package jobqueue

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Scheduler drives the run-scheduler daemon's periodic job enqueues,
// wrapping robfig/cron so cron-expression scheduling reuses a well-tested
// parser rather than a hand-rolled ticker loop.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler returns a Scheduler ready to accept AddJob calls.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// AddJob registers fn to run on the given cron expression (with seconds
// field). Errors from fn are logged, not propagated, since a single failed
// tick must not stop the scheduler.
func (s *Scheduler) AddJob(name, cronExpr string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		if runErr := fn(context.Background()); runErr != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", runErr)
		}
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop blocks until any in-flight job finishes, then stops scheduling new
// runs.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// EnqueueScheduledAction returns a job function that enqueues a task of
// the given type via q, suitable for passing to AddJob. payload is
// recomputed on each tick so callers can capture fresh state.
func EnqueueScheduledAction(q *Queue, tenantID, taskType string, payload func() map[string]any) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return q.Enqueue(ctx, &models.WorkerTask{
			TenantID: tenantID,
			Type:     taskType,
			Payload:  payload(),
		})
	}
}
