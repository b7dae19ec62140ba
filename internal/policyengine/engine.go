// Package policyengine evaluates a proposed communication, or an
// immediate tool invocation, against consent, rate-limit, and quiet-hours
// rules before it is dispatched, vetoing anything that violates
// them. It is the one place in the runtime authorized to turn a planned
// Action into a denied one.
package policyengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Decision is the engine's verdict on a proposed action.
type Decision struct {
	Approved   bool
	Violations []string
}

// Request describes a proposed communication to evaluate.
type Request struct {
	TenantID    string
	SubjectID   string
	Channel     models.ChannelType
	ScheduledAt time.Time
	Payload     map[string]any
}

// Defaults are the built-in rate caps and quiet-hours window, overridden per tenant via OverrideResolver.
type Defaults struct {
	RequireConsent bool
	DailyCap       map[models.ChannelType]int
	WeeklyCap      map[models.ChannelType]int
	QuietStartHour int
	QuietEndHour   int
}

// DefaultPolicy returns the built-in caps: email 1/day, 3/week;
// WhatsApp 2/day, 5/week; call 1/week; quiet hours 21:00-08:00.
func DefaultPolicy() Defaults {
	return Defaults{
		RequireConsent: true,
		DailyCap: map[models.ChannelType]int{
			models.ChannelEmail:    1,
			models.ChannelWhatsApp: 2,
		},
		WeeklyCap: map[models.ChannelType]int{
			models.ChannelEmail:    3,
			models.ChannelWhatsApp: 5,
			models.ChannelCall:     1,
		},
		QuietStartHour: 21,
		QuietEndHour:   8,
	}
}

// SubjectLookup resolves the subject a proposed action targets, for
// consent and timezone checks.
type SubjectLookup interface {
	GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error)
}

// ActionRecorder persists the denied Action row a failed evaluation
// produces. storage.ActionStore satisfies it directly.
type ActionRecorder interface {
	Create(ctx context.Context, action *models.Action) error
}

// Engine is the policy gate.
type Engine struct {
	subjects     SubjectLookup
	rates        RateLimiter
	overrides    OverrideResolver
	defaults     Defaults
	toolChannels map[string]models.ChannelType
	actions      ActionRecorder
}

// RecordDenials makes the engine persist every denied evaluation as an
// Action row with status denied. A nil recorder (the default) skips the
// write, for callers that only want the verdict.
func (e *Engine) RecordDenials(rec ActionRecorder) {
	e.actions = rec
}

// New builds an Engine. toolChannels maps a tool name to the channel its
// invocation counts against in tool-call mode; a tool absent from
// the map is not policy-gated.
func New(subjects SubjectLookup, rates RateLimiter, overrides OverrideResolver, defaults Defaults, toolChannels map[string]models.ChannelType) *Engine {
	if overrides == nil {
		overrides = NoopOverrideResolver{}
	}
	return &Engine{
		subjects:     subjects,
		rates:        rates,
		overrides:    overrides,
		defaults:     defaults,
		toolChannels: toolChannels,
	}
}

// Evaluate applies consent, rate-limit, and quiet-hours rules to a
// scheduled communication.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	return e.evaluate(ctx, req, true)
}

// EvaluateToolCall is the engine's tool-call mode: toolName is
// mapped to a channel and consent + rate limits apply; quiet hours are
// skipped for immediate tool invocations. A tool not present in the
// engine's tool-channel map is approved unconditionally.
func (e *Engine) EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string, at time.Time) (Decision, error) {
	channel, ok := e.toolChannels[toolName]
	if !ok {
		return Decision{Approved: true}, nil
	}
	return e.evaluate(ctx, Request{
		TenantID:    tenantID,
		SubjectID:   subjectID,
		Channel:     channel,
		ScheduledAt: at,
	}, false)
}

func (e *Engine) evaluate(ctx context.Context, req Request, checkQuietHours bool) (Decision, error) {
	effective, err := e.overrides.Resolve(ctx, req.TenantID, e.defaults)
	if err != nil {
		return Decision{}, fmt.Errorf("policyengine: resolve overrides: %w", err)
	}

	var subject *models.Subject
	if e.subjects != nil {
		subject, err = e.subjects.GetSubject(ctx, req.TenantID, req.SubjectID)
		if err != nil {
			return Decision{}, fmt.Errorf("policyengine: load subject: %w", err)
		}
	}

	var violations []string

	if req.Channel != models.ChannelPaymentLink && effective.RequireConsent {
		if subject == nil || !subject.HasConsent(req.Channel) {
			violations = append(violations, fmt.Sprintf("%s consent not granted", req.Channel))
		}
	}

	if e.rates != nil {
		if cap, ok := effective.DailyCap[req.Channel]; ok {
			count, err := e.rates.CountExecuted(ctx, req.TenantID, req.SubjectID, req.Channel, 24*time.Hour, req.ScheduledAt)
			if err != nil {
				return Decision{}, fmt.Errorf("policyengine: count daily executed: %w", err)
			}
			if count >= cap {
				violations = append(violations, fmt.Sprintf("%s daily limit (%d) exceeded", req.Channel, cap))
			}
		}
		if cap, ok := effective.WeeklyCap[req.Channel]; ok {
			count, err := e.rates.CountExecuted(ctx, req.TenantID, req.SubjectID, req.Channel, 7*24*time.Hour, req.ScheduledAt)
			if err != nil {
				return Decision{}, fmt.Errorf("policyengine: count weekly executed: %w", err)
			}
			if count >= cap {
				violations = append(violations, fmt.Sprintf("%s weekly limit (%d) exceeded", req.Channel, cap))
			}
		}
	}

	if checkQuietHours && subject != nil && subject.Timezone != "" {
		inQuiet, err := InQuietHours(subject.Timezone, effective.QuietStartHour, effective.QuietEndHour, req.ScheduledAt)
		if err != nil {
			return Decision{}, fmt.Errorf("policyengine: quiet hours: %w", err)
		}
		if inQuiet {
			violations = append(violations, fmt.Sprintf("%s falls within quiet hours", req.Channel))
		}
	}

	if len(violations) > 0 && e.actions != nil {
		denied := &models.Action{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			SubjectID:   req.SubjectID,
			Channel:     req.Channel,
			Status:      models.ActionDenied,
			ScheduledAt: req.ScheduledAt,
			Payload:     req.Payload,
			Violations:  violations,
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.actions.Create(ctx, denied); err != nil {
			return Decision{}, fmt.Errorf("policyengine: persist denied action: %w", err)
		}
	}

	return Decision{Approved: len(violations) == 0, Violations: violations}, nil
}
