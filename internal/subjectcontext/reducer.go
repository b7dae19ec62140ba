// Package subjectcontext maintains the materialized per-subject rollup
// the stage lattice lives on: a pure reducer folds one event at a time
// into counters and an engagement stage, and Store persists the result
// through a backend satisfying its own narrow interface.
package subjectcontext

import "github.com/outreach-orchestrator/runtime/pkg/models"

// Apply folds event into ctxRow in place: it increments the counter the
// event type drives, then reevaluates the stage lattice via
// ctxRow.ApplyStage so stickiness and monotonicity stay centralized in
// the model.
func Apply(ctxRow *models.SubjectContext, event *models.Event) {
	if ctxRow.SendsByChannel == nil {
		ctxRow.SendsByChannel = make(map[string]int64)
	}

	var candidate models.Stage
	switch event.Type {
	case models.EventPageView:
		ctxRow.Views++
	case models.EventEmailSent:
		ctxRow.SendsByChannel[string(models.ChannelEmail)]++
		ctxRow.LastSendAt = event.Timestamp
	case models.EventWhatsAppSent:
		ctxRow.SendsByChannel[string(models.ChannelWhatsApp)]++
		ctxRow.LastSendAt = event.Timestamp
	case models.EventSMSSent:
		ctxRow.SendsByChannel[string(models.ChannelSMS)]++
		ctxRow.LastSendAt = event.Timestamp
	case models.EventEmailOpened:
		ctxRow.Opens++
	case models.EventWhatsAppRecv:
		ctxRow.WhatsAppReplies++
	case models.EventEmailClicked:
		ctxRow.Clicks++
	case models.EventEmailReplied:
		ctxRow.EmailReplies++
	case models.EventBookingCreated:
		candidate = models.StageEngaged
	case models.EventPaymentSuccess:
		candidate = models.StageConverted
		if amount, ok := payloadAmount(event.Payload); ok {
			ctxRow.Revenue += amount
		}
	}

	if event.Timestamp.After(ctxRow.LastSeen) {
		ctxRow.LastSeen = event.Timestamp
	}
	ctxRow.ApplyStage(candidate)
}

// payloadAmount extracts a numeric "amount" field from a payment-success
// payload. JSON numbers decode to float64 through encoding/json, but a
// caller building the event in memory (tests, the ingress handler before
// a marshal round trip) may hand in a plain int.
func payloadAmount(payload map[string]any) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
