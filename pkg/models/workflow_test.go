package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow() *Workflow {
	return &Workflow{
		StageOrder: []string{"intro", "nurture", "close"},
		Stages: map[string]WorkflowStage{
			"intro":   {Name: "intro", DayOffset: 0},
			"nurture": {Name: "nurture", DayOffset: 3},
			"close":   {Name: "close", DayOffset: 10},
		},
	}
}

func TestWorkflowFirstStage(t *testing.T) {
	w := sampleWorkflow()
	assert.Equal(t, "intro", w.FirstStage())
}

func TestWorkflowFirstStage_Empty(t *testing.T) {
	w := &Workflow{}
	assert.Equal(t, "", w.FirstStage())
}

func TestWorkflowNextStage(t *testing.T) {
	w := sampleWorkflow()

	next, ok := w.NextStage("intro")
	require.True(t, ok)
	assert.Equal(t, "nurture", next)

	next, ok = w.NextStage("nurture")
	require.True(t, ok)
	assert.Equal(t, "close", next)

	_, ok = w.NextStage("close")
	assert.False(t, ok, "the last stage has no successor")

	_, ok = w.NextStage("unknown")
	assert.False(t, ok)
}

func TestWorkflowExecutionMergeMetrics_AddsPerKey(t *testing.T) {
	e := &WorkflowExecution{Metrics: map[string]float64{"opens": 1}}
	e.MergeMetrics(map[string]float64{"opens": 2, "clicks": 1})

	assert.Equal(t, float64(3), e.Metrics["opens"])
	assert.Equal(t, float64(1), e.Metrics["clicks"])
}

func TestWorkflowExecutionMergeMetrics_NilMap(t *testing.T) {
	e := &WorkflowExecution{}
	e.MergeMetrics(map[string]float64{"opens": 1})
	assert.Equal(t, float64(1), e.Metrics["opens"])
}

func TestWorkflowExecutionAppendDecision_StampsTimestamp(t *testing.T) {
	e := &WorkflowExecution{}
	e.AppendDecision(Decision{Decision: "advance_stage"})

	require.Len(t, e.Decisions, 1)
	assert.False(t, e.Decisions[0].Timestamp.IsZero())
}
