package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// NewSQLiteStoresFromDSN opens a SQLite database (a file path, or
// "file::memory:?cache=shared" for an in-process test database) and
// returns a StoreSet backed by it. Schema migration is assumed to have
// already run. SQLite has no array column type, so slice fields that
// Postgres stores with pq.Array are JSON-encoded here instead.
func NewSQLiteStoresFromDSN(dsn string) (StoreSet, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid "database is locked" storms.

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return StoreSet{
		Tenants:             &sqliteTenantStore{db: db},
		Subjects:            &sqliteSubjectStore{db: db},
		Events:              &sqliteEventStore{db: db},
		SubjectContexts:     &sqliteSubjectContextStore{db: db},
		Workflows:           &sqliteWorkflowStore{db: db},
		WorkflowExecutions:  &sqliteWorkflowExecutionStore{db: db},
		ConversationThreads: &sqliteConversationThreadStore{db: db},
		MissingToolRequests: &sqliteMissingToolRequestStore{db: db},
		PolicyRules:         &sqlitePolicyRuleStore{db: db},
		Actions:             &sqliteActionStore{db: db},
		closer:              db.Close,
		pinger:              db.PingContext,
	}, nil
}

type sqliteTenantStore struct{ db *sql.DB }

func (s *sqliteTenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	settings, err := marshalJSON(tenant.Settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, settings, created_at) VALUES (?,?,?,?)`,
		tenant.ID, tenant.Name, settings, tenant.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *sqliteTenantStore) Get(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	var settings []byte
	row := s.db.QueryRowContext(ctx, `SELECT id, name, settings, created_at FROM tenants WHERE id = ?`, id)
	if err := row.Scan(&tenant.ID, &tenant.Name, &settings, &tenant.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &tenant.Settings)
	}
	return &tenant, nil
}

type sqliteSubjectStore struct{ db *sql.DB }

func (s *sqliteSubjectStore) Create(ctx context.Context, subject *models.Subject) error {
	handles, err := marshalJSON(subject.Handles)
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	consent, err := marshalJSON(subject.Consent)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, tenant_id, handles, timezone, consent, created_at) VALUES (?,?,?,?,?,?)`,
		subject.ID, subject.TenantID, handles, subject.Timezone, consent, subject.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (s *sqliteSubjectStore) GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error) {
	var subject models.Subject
	var handles, consent []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, handles, timezone, consent, created_at FROM subjects WHERE tenant_id = ? AND id = ?`,
		tenantID, subjectID)
	if err := row.Scan(&subject.ID, &subject.TenantID, &handles, &subject.Timezone, &consent, &subject.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}
	_ = json.Unmarshal(handles, &subject.Handles)
	_ = json.Unmarshal(consent, &subject.Consent)
	return &subject, nil
}

// FindByHandle scans the tenant's subjects and matches handle in Go, since
// handles is a JSON blob column; this is a webhook-resolution fallback.
func (s *sqliteSubjectStore) FindByHandle(ctx context.Context, tenantID string, channel models.ChannelType, handle string) (*models.Subject, bool, error) {
	if tenantID == "" || handle == "" {
		return nil, false, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, handles, timezone, consent, created_at FROM subjects WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("find subject by handle: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var subject models.Subject
		var handles, consent []byte
		if err := rows.Scan(&subject.ID, &subject.TenantID, &handles, &subject.Timezone, &consent, &subject.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan subject: %w", err)
		}
		_ = json.Unmarshal(handles, &subject.Handles)
		if subject.Handles[channel] == handle {
			_ = json.Unmarshal(consent, &subject.Consent)
			return &subject, true, nil
		}
	}
	return nil, false, rows.Err()
}

func (s *sqliteSubjectStore) Update(ctx context.Context, subject *models.Subject) error {
	handles, err := marshalJSON(subject.Handles)
	if err != nil {
		return fmt.Errorf("marshal handles: %w", err)
	}
	consent, err := marshalJSON(subject.Consent)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET handles = ?, timezone = ?, consent = ? WHERE tenant_id = ? AND id = ?`,
		handles, subject.Timezone, consent, subject.TenantID, subject.ID)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	return requireRowsAffected(res)
}

type sqliteEventStore struct{ db *sql.DB }

func (s *sqliteEventStore) Create(ctx context.Context, event *models.Event) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var fingerprint any
	if event.Fingerprint != "" {
		fingerprint = event.Fingerprint
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint)
		 VALUES (?,?,?,?,?,?,?,?)`,
		event.ID, event.TenantID, event.SubjectID, string(event.Type), event.Source,
		event.Timestamp, payload, fingerprint)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *sqliteEventStore) scan(row *sql.Row) (*models.Event, error) {
	var event models.Event
	var eventType string
	var payload []byte
	var fingerprint sql.NullString
	if err := row.Scan(&event.ID, &event.TenantID, &event.SubjectID, &eventType, &event.Source,
		&event.Timestamp, &payload, &fingerprint); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	event.Type = models.EventType(eventType)
	event.Fingerprint = fingerprint.String
	_ = json.Unmarshal(payload, &event.Payload)
	return &event, nil
}

func (s *sqliteEventStore) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error) {
	if fingerprint == "" {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint
		 FROM events WHERE tenant_id = ? AND fingerprint = ?`, tenantID, fingerprint)
	ev, err := s.scan(row)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (s *sqliteEventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint FROM events WHERE id = ?`, id)
	return s.scan(row)
}

type sqliteSubjectContextStore struct{ db *sql.DB }

func (s *sqliteSubjectContextStore) Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error) {
	var c models.SubjectContext
	var stage string
	var sends []byte
	var lastSendAt sql.NullTime
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, subject_id, stage, last_seen, views, sends_by_channel, opens,
		        whatsapp_replies, clicks, email_replies, revenue, last_send_at
		 FROM subject_contexts WHERE tenant_id = ? AND subject_id = ?`, tenantID, subjectID)
	if err := row.Scan(&c.TenantID, &c.SubjectID, &stage, &c.LastSeen, &c.Views, &sends, &c.Opens,
		&c.WhatsAppReplies, &c.Clicks, &c.EmailReplies, &c.Revenue, &lastSendAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subject context: %w", err)
	}
	c.Stage = models.Stage(stage)
	if lastSendAt.Valid {
		c.LastSendAt = lastSendAt.Time
	}
	_ = json.Unmarshal(sends, &c.SendsByChannel)
	return &c, nil
}

func (s *sqliteSubjectContextStore) Upsert(ctx context.Context, c *models.SubjectContext) error {
	sends, err := marshalJSON(c.SendsByChannel)
	if err != nil {
		return fmt.Errorf("marshal sends_by_channel: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subject_contexts (tenant_id, subject_id, stage, last_seen, views, sends_by_channel,
		        opens, whatsapp_replies, clicks, email_replies, revenue, last_send_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
		        stage = excluded.stage, last_seen = excluded.last_seen, views = excluded.views,
		        sends_by_channel = excluded.sends_by_channel, opens = excluded.opens,
		        whatsapp_replies = excluded.whatsapp_replies, clicks = excluded.clicks,
		        email_replies = excluded.email_replies, revenue = excluded.revenue,
		        last_send_at = excluded.last_send_at`,
		c.TenantID, c.SubjectID, string(c.Stage), c.LastSeen, c.Views, sends, c.Opens,
		c.WhatsAppReplies, c.Clicks, c.EmailReplies, c.Revenue, nullableTime(c.LastSendAt))
	if err != nil {
		return fmt.Errorf("upsert subject context: %w", err)
	}
	return nil
}

type sqliteWorkflowStore struct{ db *sql.DB }

func (s *sqliteWorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	stages, err := marshalJSON(wf.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	thresholds, err := marshalJSON(wf.MetricThresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	workerPools, err := marshalJSON(wf.WorkerPoolIDs)
	if err != nil {
		return fmt.Errorf("marshal worker pool ids: %w", err)
	}
	stageOrder, err := marshalJSON(wf.StageOrder)
	if err != nil {
		return fmt.Errorf("marshal stage order: %w", err)
	}
	availableTools, err := marshalJSON(wf.AvailableTools)
	if err != nil {
		return fmt.Errorf("marshal available tools: %w", err)
	}
	missingTools, err := marshalJSON(wf.MissingTools)
	if err != nil {
		return fmt.Errorf("marshal missing tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, worker_pool_ids, purpose, type, start_date, end_date,
		        goal, version, stages, stage_order, metric_thresholds, available_tools, missing_tools,
		        created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wf.ID, wf.TenantID, workerPools, wf.Purpose, string(wf.Type), wf.Start, wf.End, wf.Goal,
		wf.Version, stages, stageOrder, thresholds, availableTools, missingTools, wf.CreatedAt, wf.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *sqliteWorkflowStore) scan(row *sql.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var wfType string
	var workerPools, stages, stageOrder, thresholds, availableTools, missingTools []byte
	if err := row.Scan(&wf.ID, &wf.TenantID, &workerPools, &wf.Purpose, &wfType, &wf.Start, &wf.End,
		&wf.Goal, &wf.Version, &stages, &stageOrder, &thresholds, &availableTools, &missingTools,
		&wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.Type = models.WorkflowType(wfType)
	_ = json.Unmarshal(workerPools, &wf.WorkerPoolIDs)
	_ = json.Unmarshal(stages, &wf.Stages)
	_ = json.Unmarshal(stageOrder, &wf.StageOrder)
	_ = json.Unmarshal(thresholds, &wf.MetricThresholds)
	_ = json.Unmarshal(availableTools, &wf.AvailableTools)
	_ = json.Unmarshal(missingTools, &wf.MissingTools)
	return &wf, nil
}

func (s *sqliteWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, worker_pool_ids, purpose, type, start_date, end_date, goal, version,
		        stages, stage_order, metric_thresholds, available_tools, missing_tools, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	return s.scan(row)
}

func (s *sqliteWorkflowStore) Update(ctx context.Context, wf *models.Workflow, version *models.WorkflowVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stages, err := marshalJSON(wf.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	thresholds, err := marshalJSON(wf.MetricThresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	workerPools, err := marshalJSON(wf.WorkerPoolIDs)
	if err != nil {
		return fmt.Errorf("marshal worker pool ids: %w", err)
	}
	stageOrder, err := marshalJSON(wf.StageOrder)
	if err != nil {
		return fmt.Errorf("marshal stage order: %w", err)
	}
	availableTools, err := marshalJSON(wf.AvailableTools)
	if err != nil {
		return fmt.Errorf("marshal available tools: %w", err)
	}
	missingTools, err := marshalJSON(wf.MissingTools)
	if err != nil {
		return fmt.Errorf("marshal missing tools: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET worker_pool_ids = ?, purpose = ?, type = ?, start_date = ?, end_date = ?,
		        goal = ?, version = ?, stages = ?, stage_order = ?, metric_thresholds = ?,
		        available_tools = ?, missing_tools = ?, updated_at = ? WHERE id = ?`,
		workerPools, wf.Purpose, string(wf.Type), wf.Start, wf.End, wf.Goal, wf.Version, stages,
		stageOrder, thresholds, availableTools, missingTools, wf.UpdatedAt, wf.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}

	if version != nil {
		changes, err := marshalJSON(version.Changes)
		if err != nil {
			return fmt.Errorf("marshal version changes: %w", err)
		}
		diff, err := marshalJSON(version.Diff)
		if err != nil {
			return fmt.Errorf("marshal version diff: %w", err)
		}
		if version.ID == "" {
			version.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_versions (id, workflow_id, version, previous_version, changes, reason, author, diff, created_at)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			version.ID, version.WorkflowID, version.Version, version.PreviousVersion, changes,
			version.Reason, version.Author, diff, version.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert workflow version: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteWorkflowStore) ListVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, version, previous_version, changes, reason, author, diff, created_at
		 FROM workflow_versions WHERE workflow_id = ? ORDER BY version ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowVersion
	for rows.Next() {
		var v models.WorkflowVersion
		var changes, diff []byte
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.PreviousVersion, &changes, &v.Reason,
			&v.Author, &diff, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow version: %w", err)
		}
		_ = json.Unmarshal(changes, &v.Changes)
		_ = json.Unmarshal(diff, &v.Diff)
		out = append(out, &v)
	}
	return out, rows.Err()
}

type sqliteWorkflowExecutionStore struct{ db *sql.DB }

func (s *sqliteWorkflowExecutionStore) Create(ctx context.Context, e *models.WorkflowExecution) error {
	metrics, err := marshalJSON(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	decisions, err := marshalJSON(e.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	toolUsage, err := marshalJSON(e.ToolUsage)
	if err != nil {
		return fmt.Errorf("marshal tool usage: %w", err)
	}
	missingTools, err := marshalJSON(e.MissingToolLog)
	if err != nil {
		return fmt.Errorf("marshal missing tool log: %w", err)
	}
	subjectIDs, err := marshalJSON(e.SubjectIDs)
	if err != nil {
		return fmt.Errorf("marshal subject ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, workflow_version, tenant_id, subject_ids,
		        current_stage, status, metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkflowID, e.WorkflowVersion, e.TenantID, subjectIDs, e.CurrentStage, string(e.Status),
		metrics, decisions, toolUsage, missingTools, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *sqliteWorkflowExecutionStore) scan(row *sql.Row) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var status string
	var subjectIDs, metrics, decisions, toolUsage, missingTools []byte
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.TenantID, &subjectIDs,
		&e.CurrentStage, &status, &metrics, &decisions, &toolUsage, &missingTools,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = models.ExecutionStatus(status)
	_ = json.Unmarshal(subjectIDs, &e.SubjectIDs)
	_ = json.Unmarshal(metrics, &e.Metrics)
	_ = json.Unmarshal(decisions, &e.Decisions)
	_ = json.Unmarshal(toolUsage, &e.ToolUsage)
	_ = json.Unmarshal(missingTools, &e.MissingToolLog)
	return &e, nil
}

func (s *sqliteWorkflowExecutionStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, subject_ids, current_stage, status,
		        metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at
		 FROM workflow_executions WHERE id = ?`, id)
	return s.scan(row)
}

func (s *sqliteWorkflowExecutionStore) Update(ctx context.Context, e *models.WorkflowExecution) error {
	metrics, err := marshalJSON(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	decisions, err := marshalJSON(e.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	toolUsage, err := marshalJSON(e.ToolUsage)
	if err != nil {
		return fmt.Errorf("marshal tool usage: %w", err)
	}
	missingTools, err := marshalJSON(e.MissingToolLog)
	if err != nil {
		return fmt.Errorf("marshal missing tool log: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET current_stage = ?, status = ?, metrics = ?, decisions = ?,
		        tool_usage = ?, missing_tool_log = ?, updated_at = ? WHERE id = ?`,
		e.CurrentStage, string(e.Status), metrics, decisions, toolUsage, missingTools, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteWorkflowExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, subject_ids, current_stage, status,
		        metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at
		 FROM workflow_executions WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		var e models.WorkflowExecution
		var status string
		var subjectIDs, metrics, decisions, toolUsage, missingTools []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.TenantID, &subjectIDs,
			&e.CurrentStage, &status, &metrics, &decisions, &toolUsage, &missingTools,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = models.ExecutionStatus(status)
		_ = json.Unmarshal(subjectIDs, &e.SubjectIDs)
		_ = json.Unmarshal(metrics, &e.Metrics)
		_ = json.Unmarshal(decisions, &e.Decisions)
		_ = json.Unmarshal(toolUsage, &e.ToolUsage)
		_ = json.Unmarshal(missingTools, &e.MissingToolLog)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type sqliteConversationThreadStore struct{ db *sql.DB }

func (s *sqliteConversationThreadStore) Create(ctx context.Context, t *models.ConversationThread) error {
	messages, err := marshalJSON(t.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_threads (id, tenant_id, subject_id, execution_id, state, reason,
		        messages, paused_execution, resolved_by, resolution_note, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.SubjectID, t.ExecutionID, string(t.State), t.Reason, messages,
		t.PausedExecution, t.ResolvedBy, t.ResolutionNote, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *sqliteConversationThreadStore) scan(row *sql.Row) (*models.ConversationThread, error) {
	var t models.ConversationThread
	var state string
	var messages []byte
	if err := row.Scan(&t.ID, &t.TenantID, &t.SubjectID, &t.ExecutionID, &state, &t.Reason, &messages,
		&t.PausedExecution, &t.ResolvedBy, &t.ResolutionNote, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.State = models.ThreadState(state)
	_ = json.Unmarshal(messages, &t.Messages)
	return &t, nil
}

func (s *sqliteConversationThreadStore) Get(ctx context.Context, id string) (*models.ConversationThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, state, reason, messages, paused_execution,
		        resolved_by, resolution_note, created_at, updated_at FROM conversation_threads WHERE id = ?`, id)
	return s.scan(row)
}

func (s *sqliteConversationThreadStore) Update(ctx context.Context, t *models.ConversationThread) error {
	messages, err := marshalJSON(t.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_threads SET state = ?, reason = ?, messages = ?, paused_execution = ?,
		        resolved_by = ?, resolution_note = ?, updated_at = ? WHERE id = ?`,
		string(t.State), t.Reason, messages, t.PausedExecution, t.ResolvedBy, t.ResolutionNote,
		t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteConversationThreadStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.ConversationThread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, state, reason, messages, paused_execution,
		        resolved_by, resolution_note, created_at, updated_at
		 FROM conversation_threads
		 WHERE state NOT IN ('resolved', 'resumed', 'abandoned') AND updated_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale threads: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversationThread
	for rows.Next() {
		var t models.ConversationThread
		var state string
		var messages []byte
		if err := rows.Scan(&t.ID, &t.TenantID, &t.SubjectID, &t.ExecutionID, &state, &t.Reason,
			&messages, &t.PausedExecution, &t.ResolvedBy, &t.ResolutionNote, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.State = models.ThreadState(state)
		_ = json.Unmarshal(messages, &t.Messages)
		out = append(out, &t)
	}
	return out, rows.Err()
}

type sqliteMissingToolRequestStore struct{ db *sql.DB }

func (s *sqliteMissingToolRequestStore) Upsert(ctx context.Context, r *models.MissingToolRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missing_tool_requests (id, tenant_id, tool_name, workflow_id, subject_id, count,
		        priority, notes, implemented, first_seen_at, last_seen_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (tenant_id, tool_name) DO UPDATE SET
		        count = excluded.count, priority = excluded.priority, notes = excluded.notes,
		        implemented = excluded.implemented, last_seen_at = excluded.last_seen_at`,
		r.ID, r.TenantID, r.ToolName, r.WorkflowID, r.SubjectID, r.Count, r.Priority, r.Notes,
		r.Implemented, r.FirstSeenAt, r.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert missing tool request: %w", err)
	}
	return nil
}

func (s *sqliteMissingToolRequestStore) List(ctx context.Context, tenantID string) ([]*models.MissingToolRequest, error) {
	query := `SELECT id, tenant_id, tool_name, workflow_id, subject_id, count, priority, notes,
	                 implemented, first_seen_at, last_seen_at FROM missing_tool_requests`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list missing tool requests: %w", err)
	}
	defer rows.Close()

	var out []*models.MissingToolRequest
	for rows.Next() {
		var r models.MissingToolRequest
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ToolName, &r.WorkflowID, &r.SubjectID, &r.Count,
			&r.Priority, &r.Notes, &r.Implemented, &r.FirstSeenAt, &r.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan missing tool request: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type sqlitePolicyRuleStore struct{ db *sql.DB }

func (s *sqlitePolicyRuleStore) Get(ctx context.Context, tenantID, key string) (*models.PolicyRule, error) {
	var r models.PolicyRule
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, key, value, updated_at FROM policy_rules WHERE tenant_id = ? AND key = ?`,
		tenantID, key)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Key, &r.Value, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get policy rule: %w", err)
	}
	return &r, nil
}

func (s *sqlitePolicyRuleStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, key, value, updated_at FROM policy_rules WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list policy rules: %w", err)
	}
	defer rows.Close()

	var out []*models.PolicyRule
	for rows.Next() {
		var r models.PolicyRule
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Key, &r.Value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan policy rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlitePolicyRuleStore) Upsert(ctx context.Context, r *models.PolicyRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_rules (id, tenant_id, key, value, updated_at) VALUES (?,?,?,?,?)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		r.ID, r.TenantID, r.Key, r.Value, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert policy rule: %w", err)
	}
	return nil
}

type sqliteActionStore struct{ db *sql.DB }

func (s *sqliteActionStore) Create(ctx context.Context, a *models.Action) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	violations, err := marshalJSON(a.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, tenant_id, subject_id, execution_id, channel, status, scheduled_at,
		        executed_at, payload, violations, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.SubjectID, a.ExecutionID, string(a.Channel), string(a.Status),
		a.ScheduledAt, nullableTimePtr(a.ExecutedAt), payload, violations, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

func (s *sqliteActionStore) Update(ctx context.Context, a *models.Action) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	violations, err := marshalJSON(a.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, executed_at = ?, payload = ?, violations = ? WHERE id = ?`,
		string(a.Status), nullableTimePtr(a.ExecutedAt), payload, violations, a.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *sqliteActionStore) ListBySubject(ctx context.Context, tenantID, subjectID string) ([]*models.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, channel, status, scheduled_at, executed_at,
		        payload, violations, created_at
		 FROM actions WHERE tenant_id = ? AND subject_id = ? ORDER BY created_at DESC`, tenantID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		var a models.Action
		var channel, status string
		var executedAt sql.NullTime
		var payload, violations []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SubjectID, &a.ExecutionID, &channel, &status,
			&a.ScheduledAt, &executedAt, &payload, &violations, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Channel = models.ChannelType(channel)
		a.Status = models.ActionStatus(status)
		if executedAt.Valid {
			a.ExecutedAt = &executedAt.Time
		}
		_ = json.Unmarshal(payload, &a.Payload)
		_ = json.Unmarshal(violations, &a.Violations)
		out = append(out, &a)
	}
	return out, rows.Err()
}
