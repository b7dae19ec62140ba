package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type stubClient struct {
	text string
	err  error
}

func (s stubClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	return s.text, s.err
}

func TestPlanParsesCodeFencedJSON(t *testing.T) {
	text := "```json\n" + `{"workflow_type":"sequential","stages":{"intro":{"day":1,"actions":"send intro\n\nwait for reply","required_tools":["send_email"]}},"metric_thresholds":[{"metric":"engagement-rate","threshold":0.2,"comparator":"gte","action":"progress","priority":1}],"missing_tools":["send_sms"]}` + "\n```"

	p := New(stubClient{text: text}, nil, 0, nil)
	plan := p.Plan(context.Background(), PlanRequest{AvailableTools: []string{"send_email"}})

	if plan.WorkflowType != models.WorkflowSequential {
		t.Fatalf("workflow type = %q", plan.WorkflowType)
	}
	stage, ok := plan.Stages["intro"]
	if !ok {
		t.Fatalf("missing intro stage")
	}
	if len(stage.Actions) != 2 {
		t.Fatalf("expected tolerant string->array split, got %v", stage.Actions)
	}
	if len(plan.MissingTools) != 1 || plan.MissingTools[0] != "send_sms" {
		t.Fatalf("missing tools = %v", plan.MissingTools)
	}
}

func TestPlanFallsBackOnCallError(t *testing.T) {
	p := New(stubClient{err: errors.New("boom")}, nil, 0, nil)
	plan := p.Plan(context.Background(), PlanRequest{AvailableTools: []string{"a", "b", "c", "d"}})

	if len(plan.Stages) != 1 {
		t.Fatalf("expected fallback single-stage plan, got %d stages", len(plan.Stages))
	}
	stage := plan.Stages["intro"]
	if len(stage.RequiredTools) != 3 {
		t.Fatalf("expected fallback to cap at 3 tools, got %v", stage.RequiredTools)
	}
}

func TestPlanFallsBackOnUnparsableJSON(t *testing.T) {
	p := New(stubClient{text: "not json at all"}, nil, 0, nil)
	plan := p.Plan(context.Background(), PlanRequest{})
	if _, ok := plan.Stages["intro"]; !ok {
		t.Fatalf("expected fallback plan, got %+v", plan)
	}
}

func TestDecideParsesArray(t *testing.T) {
	p := New(stubClient{text: `[{"decision":"progress-to-next-stage","reasoning":"done"}]`}, nil, 0, nil)
	decisions := p.Decide(context.Background(), DecisionRequest{StageComplete: true})
	if len(decisions) != 1 || decisions[0].Decision != DecisionProgressStage {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestDecideFallsBackByStageComplete(t *testing.T) {
	p := New(stubClient{err: errors.New("boom")}, nil, 0, nil)

	decisions := p.Decide(context.Background(), DecisionRequest{StageComplete: true})
	if decisions[0].Decision != DecisionProgressStage {
		t.Fatalf("expected progress fallback, got %v", decisions[0].Decision)
	}

	decisions = p.Decide(context.Background(), DecisionRequest{StageComplete: false})
	if decisions[0].Decision != DecisionContinueStage {
		t.Fatalf("expected continue fallback, got %v", decisions[0].Decision)
	}
}

func TestPlanFallsBackToSecondaryOnlyOnCallError(t *testing.T) {
	secondary := stubClient{text: `{"workflow_type":"parallel","stages":{"s1":{"day":0,"required_tools":["x"]}}}`}
	p := New(stubClient{err: errors.New("primary down")}, secondary, 0, nil)

	plan := p.Plan(context.Background(), PlanRequest{})
	if plan.WorkflowType != models.WorkflowParallel {
		t.Fatalf("expected secondary backend's plan, got %+v", plan)
	}
}
