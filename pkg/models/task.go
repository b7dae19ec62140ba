package models

import "time"

// TaskStatus is the lifecycle of a WorkerTask.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// WorkerTask is a unit of delegated work dispatched to a worker pool by the
// supervisor. IdempotencyKey is the dedup identity checked before
// enqueue.
type WorkerTask struct {
	ID              string         `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	WorkflowID      string         `json:"workflow_id" db:"workflow_id"`
	ExecutionID     string         `json:"execution_id" db:"execution_id"`
	SubjectID       string         `json:"subject_id,omitempty" db:"subject_id"`
	AgentID         string         `json:"agent_id,omitempty" db:"agent_id"`
	Type            string         `json:"type" db:"type"`
	Payload         map[string]any `json:"payload,omitempty" db:"payload"`
	Status          TaskStatus     `json:"status" db:"status"`
	IdempotencyKey  string         `json:"idempotency_key" db:"idempotency_key"`
	Attempts        int            `json:"attempts" db:"attempts"`
	MaxAttempts     int            `json:"max_attempts" db:"max_attempts"`
	LastError       string         `json:"last_error,omitempty" db:"last_error"`
	AvailableAt     time.Time      `json:"available_at" db:"available_at"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether the task has used up its retry budget.
func (t *WorkerTask) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// DeadLetterEntry records a task that exhausted its retry budget.
// Entries are supervised: the scheduler may requeue a bounded number back
// into WorkerTask to avoid reprocessing loops.
type DeadLetterEntry struct {
	ID             string    `json:"id" db:"id"`
	TaskID         string    `json:"task_id" db:"task_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	Reason         string    `json:"reason" db:"reason"`
	Attempts       int       `json:"attempts" db:"attempts"`
	Requeued       bool      `json:"requeued" db:"requeued"`
	RequeuedCount  int       `json:"requeued_count" db:"requeued_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// MissingToolRequest records a worker's attempt to call a tool that is not
// registered. Implemented tools clear matching entries in bulk
// when announced (see internal/toolkit.Registry.MarkImplemented).
type MissingToolRequest struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ToolName    string    `json:"tool_name" db:"tool_name"`
	WorkflowID  string    `json:"workflow_id,omitempty" db:"workflow_id"`
	SubjectID   string    `json:"subject_id,omitempty" db:"subject_id"`
	Count       int       `json:"count" db:"count"`
	Priority    string    `json:"priority,omitempty" db:"priority"`
	Notes       string    `json:"notes,omitempty" db:"notes"`
	Implemented bool      `json:"implemented" db:"implemented"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`
}
