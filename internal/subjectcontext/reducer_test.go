package subjectcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func TestApplyTable(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		start     models.SubjectContext
		event     models.Event
		wantStage models.Stage
		check     func(t *testing.T, got models.SubjectContext)
	}{
		{
			name:      "page view increments views and stays new below threshold",
			start:     models.SubjectContext{Stage: models.StageNew},
			event:     models.Event{Type: models.EventPageView, Timestamp: base},
			wantStage: models.StageNew,
			check: func(t *testing.T, got models.SubjectContext) {
				require.Equal(t, int64(1), got.Views)
			},
		},
		{
			name:      "email sent records channel count and last send",
			start:     models.SubjectContext{Stage: models.StageNew},
			event:     models.Event{Type: models.EventEmailSent, Timestamp: base},
			wantStage: models.StageNew,
			check: func(t *testing.T, got models.SubjectContext) {
				require.Equal(t, int64(1), got.SendsByChannel["email"])
				require.Equal(t, base, got.LastSendAt)
			},
		},
		{
			name:      "whatsapp reply worth three points crosses interested threshold",
			start:     models.SubjectContext{Stage: models.StageNew},
			event:     models.Event{Type: models.EventWhatsAppRecv, Timestamp: base},
			wantStage: models.StageInterested,
			check: func(t *testing.T, got models.SubjectContext) {
				require.Equal(t, int64(1), got.WhatsAppReplies)
			},
		},
		{
			name:      "two opens cross the interested threshold",
			start:     models.SubjectContext{Stage: models.StageNew, Opens: 1},
			event:     models.Event{Type: models.EventEmailOpened, Timestamp: base},
			wantStage: models.StageInterested,
			check: func(t *testing.T, got models.SubjectContext) {
				require.Equal(t, int64(2), got.Opens)
			},
		},
		{
			name:      "booking created forces engaged even with zero score",
			start:     models.SubjectContext{Stage: models.StageNew},
			event:     models.Event{Type: models.EventBookingCreated, Timestamp: base},
			wantStage: models.StageEngaged,
		},
		{
			name:      "payment success forces converted and adds revenue",
			start:     models.SubjectContext{Stage: models.StageInterested},
			event:     models.Event{Type: models.EventPaymentSuccess, Timestamp: base, Payload: map[string]any{"amount": 49.99}},
			wantStage: models.StageConverted,
			check: func(t *testing.T, got models.SubjectContext) {
				require.InDelta(t, 49.99, got.Revenue, 0.001)
			},
		},
		{
			name:      "converted is sticky against a later page view",
			start:     models.SubjectContext{Stage: models.StageConverted},
			event:     models.Event{Type: models.EventPageView, Timestamp: base},
			wantStage: models.StageConverted,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctxRow := tc.start
			Apply(&ctxRow, &tc.event)
			require.Equal(t, tc.wantStage, ctxRow.Stage)
			if tc.check != nil {
				tc.check(t, ctxRow)
			}
		})
	}
}

func TestApplyLastSeenNeverRegresses(t *testing.T) {
	later := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)

	ctxRow := models.SubjectContext{Stage: models.StageNew, LastSeen: later}
	Apply(&ctxRow, &models.Event{Type: models.EventPageView, Timestamp: earlier})
	require.Equal(t, later, ctxRow.LastSeen, "an out-of-order redelivery must not rewind last_seen")
}
