package models

import "time"

// EventType enumerates the domain event types the subject-context reducer
// and supervisor understand.
type EventType string

const (
	EventPageView       EventType = "page-view"
	EventEmailSent      EventType = "email-sent"
	EventWhatsAppSent   EventType = "whatsapp-sent"
	EventSMSSent        EventType = "sms-sent"
	EventEmailOpened    EventType = "email-opened"
	EventWhatsAppRecv   EventType = "whatsapp-received"
	EventEmailClicked   EventType = "email-clicked"
	EventEmailReplied   EventType = "email-replied"
	EventBookingCreated EventType = "booking-created"
	EventPaymentSuccess EventType = "payment-success"

	EventTenantOnboarded      EventType = "tenant-onboarded"
	EventWorkerTaskAssigned   EventType = "worker-task-assigned"
	EventWorkerTaskCompleted  EventType = "worker-task-completed"
	EventWorkflowMetricUpdate EventType = "workflow-metric-update"
	EventWorkflowStateChange  EventType = "workflow-state-change"
)

// Event is an immutable observation ingested from the admin API or a
// webhook. Fingerprint, when set, is the dedup key.
type Event struct {
	ID          string         `json:"id" db:"id"`
	TenantID    string         `json:"tenant_id" db:"tenant_id"`
	SubjectID   string         `json:"subject_id" db:"subject_id"`
	Type        EventType      `json:"type" db:"type"`
	Source      string         `json:"source" db:"source"`
	Timestamp   time.Time      `json:"timestamp" db:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty" db:"payload"`
	Fingerprint string         `json:"fingerprint,omitempty" db:"fingerprint"`
}

// Stage is the subject-context engagement stage lattice.
// Stage values form a partial order; see SubjectContext.ApplyStage for the
// monotonicity rule.
type Stage string

const (
	StageNew        Stage = "new"
	StageInterested Stage = "interested"
	StageEngaged    Stage = "engaged"
	StageConverted  Stage = "converted"
	StageChurned    Stage = "churned"
)

// stageRank orders the non-sticky stages for monotonic comparison. Sticky
// stages (converted, churned) are handled separately in ApplyStage.
var stageRank = map[Stage]int{
	StageNew:        0,
	StageInterested: 1,
	StageEngaged:    2,
}

// SubjectContext is the materialized rollup keyed by (tenant, subject)
//.
type SubjectContext struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Stage     Stage     `json:"stage" db:"stage"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`

	Views           int64            `json:"views" db:"views"`
	SendsByChannel  map[string]int64 `json:"sends_by_channel,omitempty" db:"sends_by_channel"`
	Opens           int64            `json:"opens" db:"opens"`
	WhatsAppReplies int64            `json:"whatsapp_replies" db:"whatsapp_replies"`
	Clicks          int64            `json:"clicks" db:"clicks"`
	EmailReplies    int64            `json:"email_replies" db:"email_replies"`
	Revenue         float64          `json:"revenue" db:"revenue"`
	LastSendAt      time.Time        `json:"last_send_at,omitempty" db:"last_send_at"`
}

// EngagementScore computes the score the stage lattice is defined on:
// views + 2*opens + 3*whatsapp-received.
func (c *SubjectContext) EngagementScore() int64 {
	return c.Views + 2*c.Opens + 3*c.WhatsAppReplies
}

// isSticky reports whether a stage never regresses once reached.
func isSticky(s Stage) bool {
	return s == StageConverted || s == StageChurned
}

// ApplyStage advances the context's stage along the lattice:
// converted/churned are sticky and never downgraded;
// otherwise the stage is the maximum of the current stage and the stage
// implied by the engagement score (engaged >= 5, interested >= 2, else new).
// candidate is an optional stage transition a specific event forces
// (e.g. booking-created -> engaged, payment-success -> converted); pass ""
// to only reevaluate from the engagement score.
func (c *SubjectContext) ApplyStage(candidate Stage) {
	if isSticky(c.Stage) {
		return
	}

	scoreStage := StageNew
	switch score := c.EngagementScore(); {
	case score >= 5:
		scoreStage = StageEngaged
	case score >= 2:
		scoreStage = StageInterested
	}

	next := c.Stage
	if next == "" {
		next = StageNew
	}
	if stageRank[scoreStage] > stageRank[next] {
		next = scoreStage
	}

	if candidate != "" {
		if isSticky(candidate) {
			next = candidate
		} else if rank, ok := stageRank[candidate]; ok && rank > stageRank[next] {
			next = candidate
		}
	}

	c.Stage = next
}
