package models

import "time"

// WorkflowType enumerates the plan shapes a planner may emit.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowParallel    WorkflowType = "parallel"
	WorkflowConditional WorkflowType = "conditional"
	WorkflowEventDriven WorkflowType = "event-driven"
)

// WorkflowStage is one named step in a workflow plan.
type WorkflowStage struct {
	Name             string   `json:"name"`
	DayOffset        int      `json:"day_offset"`
	Actions          []string `json:"actions,omitempty"`
	EntryConditions  []string `json:"entry_conditions,omitempty"`
	ExitConditions   []string `json:"exit_conditions,omitempty"`
	RequiredTools    []string `json:"required_tools,omitempty"`
	FallbackActions  []string `json:"fallback_actions,omitempty"`
}

// MetricComparator is how a metric threshold is compared.
type MetricComparator string

const (
	ComparatorGTE MetricComparator = "gte"
	ComparatorLTE MetricComparator = "lte"
	ComparatorGT  MetricComparator = "gt"
	ComparatorLT  MetricComparator = "lt"
	ComparatorEQ  MetricComparator = "eq"
)

// MetricThreshold drives a decision when a named metric crosses a bound
//.
type MetricThreshold struct {
	Metric     string           `json:"metric"`
	Threshold  float64          `json:"threshold"`
	Comparator MetricComparator `json:"comparator"`
	Action     string           `json:"action"`
	Priority   int              `json:"priority"`
}

// Workflow is the current-version plan row. Exactly one Workflow row
// per workflow id is the current version; history lives in WorkflowVersion.
type Workflow struct {
	ID               string                     `json:"id" db:"id"`
	TenantID         string                     `json:"tenant_id" db:"tenant_id"`
	WorkerPoolIDs    []string                   `json:"worker_pool_ids" db:"worker_pool_ids"`
	Purpose          string                     `json:"purpose" db:"purpose"`
	Type             WorkflowType               `json:"type" db:"type"`
	Start            time.Time                  `json:"start" db:"start_date"`
	End              time.Time                  `json:"end" db:"end_date"`
	Goal             string                     `json:"goal" db:"goal"`
	Version          int                        `json:"version" db:"version"`
	Stages           map[string]WorkflowStage   `json:"stages" db:"stages"`
	StageOrder       []string                   `json:"stage_order" db:"stage_order"`
	MetricThresholds []MetricThreshold          `json:"metric_thresholds,omitempty" db:"metric_thresholds"`
	AvailableTools   []string                   `json:"available_tools,omitempty" db:"available_tools"`
	MissingTools     []string                   `json:"missing_tools,omitempty" db:"missing_tools"`
	CreatedAt        time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at" db:"updated_at"`
}

// FirstStage returns the first stage key in declared order, or "" if the
// workflow has no stages.
func (w *Workflow) FirstStage() string {
	if len(w.StageOrder) == 0 {
		return ""
	}
	return w.StageOrder[0]
}

// NextStage returns the stage key following current in StageOrder, and
// whether one exists.
func (w *Workflow) NextStage(current string) (string, bool) {
	for i, name := range w.StageOrder {
		if name == current && i+1 < len(w.StageOrder) {
			return w.StageOrder[i+1], true
		}
	}
	return "", false
}

// FieldDiff captures an old->new change for one workflow field, recorded in
// a WorkflowVersion.
type FieldDiff struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// WorkflowVersion is an immutable history record.
type WorkflowVersion struct {
	ID              string      `json:"id" db:"id"`
	WorkflowID      string      `json:"workflow_id" db:"workflow_id"`
	Version         int         `json:"version" db:"version"`
	PreviousVersion int         `json:"previous_version" db:"previous_version"`
	Changes         map[string]any `json:"changes" db:"changes"`
	Reason          string      `json:"reason" db:"reason"`
	Author          string      `json:"author" db:"author"`
	Diff            []FieldDiff `json:"diff,omitempty" db:"diff"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// ExecutionStatus is the lifecycle of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Decision is one entry in an execution's decision log.
type Decision struct {
	Timestamp   time.Time      `json:"timestamp"`
	Decision    string         `json:"decision"`
	Reasoning   string         `json:"reasoning,omitempty"`
	FromStage   string         `json:"from_stage,omitempty"`
	ToStage     string         `json:"to_stage,omitempty"`
	MetricsSnapshot map[string]float64 `json:"metrics_snapshot,omitempty"`
}

// ToolUsageEntry is one entry in an execution's tool-usage log.
type ToolUsageEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name"`
	SubjectID string    `json:"subject_id,omitempty"`
	Success   bool      `json:"success"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// MissingToolAttempt is one entry in an execution's missing-tool log.
type MissingToolAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	ToolName  string    `json:"tool_name"`
	SubjectID string    `json:"subject_id,omitempty"`
}

// WorkflowExecution is a runtime instance pinned to a workflow version
//. Stage transitions are monotonic along StageOrder unless explicitly
// rewound by the supervisor.
type WorkflowExecution struct {
	ID                string                 `json:"id" db:"id"`
	WorkflowID        string                 `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion   int                    `json:"workflow_version" db:"workflow_version"`
	TenantID          string                 `json:"tenant_id" db:"tenant_id"`
	SubjectIDs        []string               `json:"subject_ids" db:"subject_ids"`
	CurrentStage      string                 `json:"current_stage" db:"current_stage"`
	Status            ExecutionStatus        `json:"status" db:"status"`
	Metrics           map[string]float64     `json:"metrics" db:"metrics"`
	Decisions         []Decision             `json:"decisions" db:"decisions"`
	ToolUsage         []ToolUsageEntry       `json:"tool_usage" db:"tool_usage"`
	MissingToolLog    []MissingToolAttempt   `json:"missing_tool_log" db:"missing_tool_log"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at" db:"updated_at"`
}

// AppendDecision appends a decision entry. Callers must still mark the
// execution dirty via the store's "modified field" protocol so
// the persistence layer flushes the nested slice.
func (e *WorkflowExecution) AppendDecision(d Decision) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	e.Decisions = append(e.Decisions, d)
}

// MergeMetrics adds delta onto e.Metrics key by key. Metric-delta
// merges are last-writer-wins at the key level: callers must apply the
// whole delta map in one in-memory step and persist it atomically (the
// store's "field modified" flag protocol), never read-modify-write across
// an await/poll boundary where a concurrent merge could interleave.
func (e *WorkflowExecution) MergeMetrics(delta map[string]float64) {
	if e.Metrics == nil {
		e.Metrics = make(map[string]float64)
	}
	for k, v := range delta {
		e.Metrics[k] += v
	}
}
