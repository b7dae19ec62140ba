// Package planner is the supervisor's LLM-backed plan synthesis and
// decision analysis contract. It invokes a configured
// model behind a narrow interface, tolerantly parses whatever JSON the
// model returns, and falls back to a deterministic default when parsing
// fails or the call itself errors out — a PlannerParseError is logged,
// never propagated, so a flaky or misbehaving model never blocks workflow
// creation or stage progression.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Client is the narrow model-call contract both backends implement:
// send a system prompt plus a user prompt, get back raw text. Everything
// above this (JSON-schema enforcement, tolerant parsing, fallback) lives
// in Planner and is backend-agnostic.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Plan is the synthesized workflow plan a planner call produces.
type Plan struct {
	WorkflowType     models.WorkflowType        `json:"workflow_type"`
	Stages           map[string]models.WorkflowStage `json:"stages"`
	StageOrder       []string                   `json:"-"`
	MetricThresholds []models.MetricThreshold   `json:"metric_thresholds"`
	MissingTools     []string                   `json:"missing_tools"`
}

// rawPlan is the tolerant wire shape the model may emit: stages as a map
// whose order isn't guaranteed and whose values sometimes carry Actions
// as a single joined string rather than an array.
type rawPlan struct {
	WorkflowType     string                        `json:"workflow_type"`
	Stages           map[string]rawStage           `json:"stages"`
	MetricThresholds []models.MetricThreshold      `json:"metric_thresholds"`
	MissingTools     []string                      `json:"missing_tools"`
}

type rawStage struct {
	Day             int             `json:"day"`
	Actions         json.RawMessage `json:"actions"`
	EntryConditions json.RawMessage `json:"entry_conditions"`
	RequiredTools   json.RawMessage `json:"required_tools"`
	FallbackActions json.RawMessage `json:"fallback_actions"`
}

// Decision is one recommendation from the decision analyzer.
type DecisionKind string

const (
	DecisionProgressStage  DecisionKind = "progress-to-next-stage"
	DecisionContinueStage  DecisionKind = "continue-current-stage"
	DecisionAdjustWorkflow DecisionKind = "adjust-workflow"
	DecisionComplete       DecisionKind = "complete-workflow"
)

type Decision struct {
	Decision  DecisionKind `json:"decision"`
	Reasoning string       `json:"reasoning"`
}

// Planner synthesizes workflow plans and stage-progression decisions from
// a configured LLM backend, falling back to deterministic defaults when
// the call or its parse fails.
type Planner struct {
	primary   Client
	secondary Client
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// New builds a Planner. secondary may be nil; it is tried only when
// primary's call errors (not when primary succeeds but parses poorly —
// a parse failure falls back to the default plan/decision, it does not
// retry against the secondary backend).
func New(primary, secondary Client, breakerWindow time.Duration, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if breakerWindow <= 0 {
		breakerWindow = time.Minute
	}
	return &Planner{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "planner"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "planner",
			Interval: breakerWindow,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// PlanRequest carries everything the planning prompt needs.
type PlanRequest struct {
	TenantProfile     map[string]any
	Purpose           string
	Goal              string
	Start, End        time.Time
	SubjectCount      int
	AvailableTools    []string
	ToolSchemas       map[string]json.RawMessage
}

const planSystemPrompt = `You are a workflow planning engine. Respond with a single JSON object and nothing else, shaped exactly as:
{"workflow_type":"sequential|parallel|conditional|event-driven","stages":{"<name>":{"day":0,"actions":["..."],"entry_conditions":["..."],"required_tools":["..."],"fallback_actions":["..."]}},"metric_thresholds":[{"metric":"...","threshold":0,"comparator":"gte","action":"...","priority":0}],"missing_tools":["..."]}`

// Plan calls the model to synthesize a workflow plan. On any call or parse failure it logs the cause and returns the
// deterministic fallback plan: a single "intro" stage at day 1 using the
// first three available tools, with one threshold
// (engagement-rate >= 0.1 -> continue).
func (p *Planner) Plan(ctx context.Context, req PlanRequest) Plan {
	prompt := buildPlanPrompt(req)

	text, err := p.call(ctx, planSystemPrompt, prompt)
	if err != nil {
		p.logger.Warn("planner: plan call failed, using fallback plan", "error", err)
		return fallbackPlan(req.AvailableTools)
	}

	plan, err := parsePlan(text)
	if err != nil {
		p.logger.Warn("planner: plan parse failed, using fallback plan", "error", err)
		return fallbackPlan(req.AvailableTools)
	}
	return plan
}

const decisionSystemPrompt = `You are a workflow decision engine. Respond with a single JSON array and nothing else, shaped exactly as:
[{"decision":"progress-to-next-stage|continue-current-stage|adjust-workflow|complete-workflow","reasoning":"..."}]`

// DecisionRequest carries everything the decision-analyzer prompt needs
//.
type DecisionRequest struct {
	Goal            string
	Purpose         string
	CurrentStage    string
	StageComplete   bool
	Metrics         map[string]float64
	Thresholds      []models.MetricThreshold
	AvailableStages []string
}

// Decide calls the model to recommend stage-progression decisions
//. On any call or parse failure it falls back deterministically:
// progress-to-next-stage when the stage is complete, else
// continue-current-stage.
func (p *Planner) Decide(ctx context.Context, req DecisionRequest) []Decision {
	prompt := buildDecisionPrompt(req)

	text, err := p.call(ctx, decisionSystemPrompt, prompt)
	if err != nil {
		p.logger.Warn("planner: decision call failed, using fallback decision", "error", err)
		return fallbackDecision(req.StageComplete)
	}

	decisions, err := parseDecisions(text)
	if err != nil {
		p.logger.Warn("planner: decision parse failed, using fallback decision", "error", err)
		return fallbackDecision(req.StageComplete)
	}
	return decisions
}

// DraftRequest carries what the message-drafting prompt needs: the
// workflow's purpose/goal, the current stage's planned actions, and the
// subject's materialized context, for a worker dispatching a stage action
// that doesn't carry a fixed template.
type DraftRequest struct {
	Purpose        string
	Goal           string
	Stage          string
	Channel        string
	Actions        []string
	SubjectContext map[string]any
}

const draftSystemPrompt = `You are an outreach copywriter. Respond with the message body only, no preamble, no quotes, no markdown.`

// Draft calls the model to write one outreach message body. On any call
// failure it falls back to the stage's first planned action string, or a
// generic one-line nudge referencing the workflow's purpose.
func (p *Planner) Draft(ctx context.Context, req DraftRequest) string {
	prompt := buildDraftPrompt(req)

	text, err := p.call(ctx, draftSystemPrompt, prompt)
	if err != nil {
		p.logger.Warn("planner: draft call failed, using fallback message", "error", err)
		return fallbackDraft(req)
	}
	return strings.TrimSpace(stripCodeFence(text))
}

func buildDraftPrompt(req DraftRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Purpose: %s\nGoal: %s\n", req.Purpose, req.Goal)
	fmt.Fprintf(&b, "Stage: %s\nChannel: %s\n", req.Stage, req.Channel)
	fmt.Fprintf(&b, "Planned actions: %v\n", req.Actions)
	fmt.Fprintf(&b, "Subject context: %v\n", req.SubjectContext)
	return b.String()
}

func fallbackDraft(req DraftRequest) string {
	if len(req.Actions) > 0 && req.Actions[0] != "" {
		return req.Actions[0]
	}
	if req.Purpose != "" {
		return fmt.Sprintf("Hi — following up on %s.", req.Purpose)
	}
	return "Hi — just checking in."
}

// call runs the primary backend behind the circuit breaker, falling back
// to the secondary backend (if configured) only when the call itself
// errors.
func (p *Planner) call(ctx context.Context, system, prompt string) (string, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		return p.primary.Complete(ctx, system, prompt)
	})
	if err == nil {
		return out.(string), nil
	}
	if p.secondary == nil {
		return "", err
	}
	p.logger.Warn("planner: primary backend failed, trying secondary", "error", err)
	return p.secondary.Complete(ctx, system, prompt)
}

func buildPlanPrompt(req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant profile: %v\n", req.TenantProfile)
	fmt.Fprintf(&b, "Purpose: %s\nGoal: %s\n", req.Purpose, req.Goal)
	fmt.Fprintf(&b, "Start: %s\nEnd: %s\n", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	fmt.Fprintf(&b, "Subject count: %d\n", req.SubjectCount)
	fmt.Fprintf(&b, "Available tools: %v\n", req.AvailableTools)
	n := len(req.AvailableTools)
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		name := req.AvailableTools[i]
		if schema, ok := req.ToolSchemas[name]; ok {
			fmt.Fprintf(&b, "Tool %s schema: %s\n", name, string(schema))
		}
	}
	return b.String()
}

func buildDecisionPrompt(req DecisionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nPurpose: %s\n", req.Goal, req.Purpose)
	fmt.Fprintf(&b, "Current stage: %s\nStage complete: %t\n", req.CurrentStage, req.StageComplete)
	fmt.Fprintf(&b, "Metrics: %v\n", req.Metrics)
	fmt.Fprintf(&b, "Thresholds: %v\n", req.Thresholds)
	fmt.Fprintf(&b, "Available stages: %v\n", req.AvailableStages)
	return b.String()
}

// codeFence strips a ```json ... ``` or ``` ... ``` wrapper the model
// commonly adds around its JSON output despite instructions not to
//.
var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

func parsePlan(text string) (Plan, error) {
	text = stripCodeFence(text)

	var raw rawPlan
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Plan{}, fmt.Errorf("planner: decode plan json: %w", err)
	}
	if len(raw.Stages) == 0 {
		return Plan{}, fmt.Errorf("planner: plan has no stages")
	}

	stages := make(map[string]models.WorkflowStage, len(raw.Stages))
	order := make([]string, 0, len(raw.Stages))
	for name, rs := range raw.Stages {
		stages[name] = models.WorkflowStage{
			Name:            name,
			DayOffset:       rs.Day,
			Actions:         stringsOrJoin(rs.Actions),
			EntryConditions: stringsOrJoin(rs.EntryConditions),
			RequiredTools:   stringsOrJoin(rs.RequiredTools),
			FallbackActions: stringsOrJoin(rs.FallbackActions),
		}
		order = append(order, name)
	}
	sortByDay(order, stages)

	return Plan{
		WorkflowType:     models.WorkflowType(raw.WorkflowType),
		Stages:           stages,
		StageOrder:       order,
		MetricThresholds: raw.MetricThresholds,
		MissingTools:     raw.MissingTools,
	}, nil
}

// stringsOrJoin tolerantly decodes a field the schema declares as a string
// array but the model sometimes emits as a single string.
func stringsOrJoin(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asSlice []string
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		return asSlice
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
		return strings.Split(asString, "\n\n")
	}
	return nil
}

func sortByDay(order []string, stages map[string]models.WorkflowStage) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && stages[order[j-1]].DayOffset > stages[order[j]].DayOffset; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
}

func parseDecisions(text string) ([]Decision, error) {
	text = stripCodeFence(text)

	var decisions []Decision
	if err := json.Unmarshal([]byte(text), &decisions); err != nil {
		// Tolerant to a bare object instead of a one-element array.
		var single Decision
		if singleErr := json.Unmarshal([]byte(text), &single); singleErr == nil && single.Decision != "" {
			return []Decision{single}, nil
		}
		return nil, fmt.Errorf("planner: decode decisions json: %w", err)
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("planner: no decisions returned")
	}
	return decisions, nil
}

// fallbackPlan is the deterministic plan used when the model call
// or its parse fails: a single "intro" stage at day 1 using the first
// three available tools, with one threshold.
func fallbackPlan(availableTools []string) Plan {
	n := len(availableTools)
	if n > 3 {
		n = 3
	}
	return Plan{
		WorkflowType: models.WorkflowSequential,
		Stages: map[string]models.WorkflowStage{
			"intro": {
				Name:          "intro",
				DayOffset:     1,
				RequiredTools: append([]string(nil), availableTools[:n]...),
			},
		},
		StageOrder: []string{"intro"},
		MetricThresholds: []models.MetricThreshold{
			{Metric: "engagement-rate", Threshold: 0.1, Comparator: models.ComparatorGTE, Action: "continue", Priority: 0},
		},
	}
}

// fallbackDecision is the deterministic decision used when the
// model call or its parse fails.
func fallbackDecision(stageComplete bool) []Decision {
	if stageComplete {
		return []Decision{{Decision: DecisionProgressStage, Reasoning: "fallback: stage marked complete"}}
	}
	return []Decision{{Decision: DecisionContinueStage, Reasoning: "fallback: stage not yet complete"}}
}
