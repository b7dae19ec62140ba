package models

import "time"

// ActionStatus is the lifecycle of an Action row. The
// policy engine's rate-limit rule counts rows where Status is
// ActionExecuted, partitioned by channel and time window.
type ActionStatus string

const (
	ActionScheduled ActionStatus = "scheduled"
	ActionExecuted  ActionStatus = "executed"
	ActionDenied    ActionStatus = "denied"
	ActionFailed    ActionStatus = "failed"
)

// Action is a single proposed-or-dispatched communication evaluated by the
// policy engine: an email send, a WhatsApp message, a call, a payment link
//. A denied action is persisted with Status ActionDenied and
// Violations populated; it is never retried.
type Action struct {
	ID          string         `json:"id" db:"id"`
	TenantID    string         `json:"tenant_id" db:"tenant_id"`
	SubjectID   string         `json:"subject_id" db:"subject_id"`
	ExecutionID string         `json:"execution_id,omitempty" db:"execution_id"`
	Channel     ChannelType    `json:"channel" db:"channel"`
	Status      ActionStatus   `json:"status" db:"status"`
	ScheduledAt time.Time      `json:"scheduled_at" db:"scheduled_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty" db:"executed_at"`
	Payload     map[string]any `json:"payload,omitempty" db:"payload"`
	Violations  []string       `json:"violations,omitempty" db:"violations"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// IsExecuted reports whether the action counts toward a rate-limit window.
func (a *Action) IsExecuted() bool {
	return a != nil && a.Status == ActionExecuted
}
