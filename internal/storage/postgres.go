package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// NewPostgresStoresFromDSN opens a pooled connection and returns a
// StoreSet backed by it. Schema migration is assumed to have already run;
// this package only issues DML.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return StoreSet{
		Tenants:             &postgresTenantStore{db: db},
		Subjects:            &postgresSubjectStore{db: db},
		Events:              &postgresEventStore{db: db},
		SubjectContexts:     &postgresSubjectContextStore{db: db},
		Workflows:           &postgresWorkflowStore{db: db},
		WorkflowExecutions:  &postgresWorkflowExecutionStore{db: db},
		ConversationThreads: &postgresConversationThreadStore{db: db},
		MissingToolRequests: &postgresMissingToolRequestStore{db: db},
		PolicyRules:         &postgresPolicyRuleStore{db: db},
		Actions:             &postgresActionStore{db: db},
		closer:              db.Close,
		pinger:              db.PingContext,
	}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate")
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

type postgresTenantStore struct{ db *sqlx.DB }

func (s *postgresTenantStore) Create(ctx context.Context, tenant *models.Tenant) error {
	settings, err := marshalJSON(tenant.Settings)
	if err != nil {
		return fmt.Errorf("marshal tenant settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, settings, created_at) VALUES ($1,$2,$3,$4)`,
		tenant.ID, tenant.Name, settings, tenant.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *postgresTenantStore) Get(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	var settings []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, settings, created_at FROM tenants WHERE id = $1`, id)
	if err := row.Scan(&tenant.ID, &tenant.Name, &settings, &tenant.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &tenant.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal tenant settings: %w", err)
		}
	}
	return &tenant, nil
}

type postgresSubjectStore struct{ db *sqlx.DB }

func (s *postgresSubjectStore) Create(ctx context.Context, subject *models.Subject) error {
	handles, err := marshalJSON(subject.Handles)
	if err != nil {
		return fmt.Errorf("marshal subject handles: %w", err)
	}
	consent, err := marshalJSON(subject.Consent)
	if err != nil {
		return fmt.Errorf("marshal subject consent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, tenant_id, handles, timezone, consent, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		subject.ID, subject.TenantID, handles, subject.Timezone, consent, subject.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (s *postgresSubjectStore) scanSubject(row *sql.Row) (*models.Subject, error) {
	var subject models.Subject
	var handles, consent []byte
	if err := row.Scan(&subject.ID, &subject.TenantID, &handles, &subject.Timezone, &consent, &subject.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subject: %w", err)
	}
	if len(handles) > 0 {
		if err := json.Unmarshal(handles, &subject.Handles); err != nil {
			return nil, fmt.Errorf("unmarshal subject handles: %w", err)
		}
	}
	if len(consent) > 0 {
		if err := json.Unmarshal(consent, &subject.Consent); err != nil {
			return nil, fmt.Errorf("unmarshal subject consent: %w", err)
		}
	}
	return &subject, nil
}

func (s *postgresSubjectStore) GetSubject(ctx context.Context, tenantID, subjectID string) (*models.Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, handles, timezone, consent, created_at
		 FROM subjects WHERE tenant_id = $1 AND id = $2`, tenantID, subjectID)
	return s.scanSubject(row)
}

// FindByHandle loads every subject for tenantID and matches handle in Go,
// since handles is a JSON blob column rather than an indexed one; this is
// a webhook-resolution fallback, not a hot-loop lookup.
func (s *postgresSubjectStore) FindByHandle(ctx context.Context, tenantID string, channel models.ChannelType, handle string) (*models.Subject, bool, error) {
	if tenantID == "" || handle == "" {
		return nil, false, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, handles, timezone, consent, created_at FROM subjects WHERE tenant_id = $1`, tenantID)
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
		if len(handles) > 0 {
			if err := json.Unmarshal(handles, &subject.Handles); err != nil {
				return nil, false, fmt.Errorf("unmarshal subject handles: %w", err)
			}
		}
		if subject.Handles[channel] == handle {
			if len(consent) > 0 {
				if err := json.Unmarshal(consent, &subject.Consent); err != nil {
					return nil, false, fmt.Errorf("unmarshal subject consent: %w", err)
				}
			}
			return &subject, true, nil
		}
	}
	return nil, false, rows.Err()
}

func (s *postgresSubjectStore) Update(ctx context.Context, subject *models.Subject) error {
	handles, err := marshalJSON(subject.Handles)
	if err != nil {
		return fmt.Errorf("marshal subject handles: %w", err)
	}
	consent, err := marshalJSON(subject.Consent)
	if err != nil {
		return fmt.Errorf("marshal subject consent: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET handles = $1, timezone = $2, consent = $3 WHERE tenant_id = $4 AND id = $5`,
		handles, subject.Timezone, consent, subject.TenantID, subject.ID)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	return requireRowsAffected(res)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type postgresEventStore struct{ db *sqlx.DB }

func (s *postgresEventStore) Create(ctx context.Context, event *models.Event) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var fingerprint any
	if event.Fingerprint != "" {
		fingerprint = event.Fingerprint
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
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

func (s *postgresEventStore) scanEvent(row *sql.Row) (*models.Event, error) {
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
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return &event, nil
}

func (s *postgresEventStore) FindByFingerprint(ctx context.Context, tenantID, fingerprint string) (*models.Event, bool, error) {
	if fingerprint == "" {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint
		 FROM events WHERE tenant_id = $1 AND fingerprint = $2`, tenantID, fingerprint)
	ev, err := s.scanEvent(row)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (s *postgresEventStore) Get(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, type, source, timestamp, payload, fingerprint
		 FROM events WHERE id = $1`, id)
	return s.scanEvent(row)
}

type postgresSubjectContextStore struct{ db *sqlx.DB }

func (s *postgresSubjectContextStore) Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error) {
	var c models.SubjectContext
	var stage string
	var sends []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, subject_id, stage, last_seen, views, sends_by_channel, opens,
		        whatsapp_replies, clicks, email_replies, revenue, last_send_at
		 FROM subject_contexts WHERE tenant_id = $1 AND subject_id = $2`, tenantID, subjectID)
	var lastSendAt sql.NullTime
	if err := row.Scan(&c.TenantID, &c.SubjectID, &stage, &c.LastSeen, &c.Views, &sends,
		&c.Opens, &c.WhatsAppReplies, &c.Clicks, &c.EmailReplies, &c.Revenue, &lastSendAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subject context: %w", err)
	}
	c.Stage = models.Stage(stage)
	if lastSendAt.Valid {
		c.LastSendAt = lastSendAt.Time
	}
	if len(sends) > 0 {
		if err := json.Unmarshal(sends, &c.SendsByChannel); err != nil {
			return nil, fmt.Errorf("unmarshal sends_by_channel: %w", err)
		}
	}
	return &c, nil
}

func (s *postgresSubjectContextStore) Upsert(ctx context.Context, c *models.SubjectContext) error {
	sends, err := marshalJSON(c.SendsByChannel)
	if err != nil {
		return fmt.Errorf("marshal sends_by_channel: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subject_contexts (tenant_id, subject_id, stage, last_seen, views,
		        sends_by_channel, opens, whatsapp_replies, clicks, email_replies, revenue, last_send_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
		        stage = EXCLUDED.stage, last_seen = EXCLUDED.last_seen, views = EXCLUDED.views,
		        sends_by_channel = EXCLUDED.sends_by_channel, opens = EXCLUDED.opens,
		        whatsapp_replies = EXCLUDED.whatsapp_replies, clicks = EXCLUDED.clicks,
		        email_replies = EXCLUDED.email_replies, revenue = EXCLUDED.revenue,
		        last_send_at = EXCLUDED.last_send_at`,
		c.TenantID, c.SubjectID, string(c.Stage), c.LastSeen, c.Views, sends, c.Opens,
		c.WhatsAppReplies, c.Clicks, c.EmailReplies, c.Revenue, nullableTime(c.LastSendAt))
	if err != nil {
		return fmt.Errorf("upsert subject context: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

type postgresWorkflowStore struct{ db *sqlx.DB }

func (s *postgresWorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	stages, err := marshalJSON(wf.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	thresholds, err := marshalJSON(wf.MetricThresholds)
	if err != nil {
		return fmt.Errorf("marshal metric thresholds: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, worker_pool_ids, purpose, type, start_date, end_date,
		        goal, version, stages, stage_order, metric_thresholds, available_tools, missing_tools,
		        created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		wf.ID, wf.TenantID, pq.Array(wf.WorkerPoolIDs), wf.Purpose, string(wf.Type), wf.Start, wf.End,
		wf.Goal, wf.Version, stages, pq.Array(wf.StageOrder), thresholds,
		pq.Array(wf.AvailableTools), pq.Array(wf.MissingTools), wf.CreatedAt, wf.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *postgresWorkflowStore) scanWorkflow(row *sql.Row) (*models.Workflow, error) {
	var wf models.Workflow
	var wfType string
	var stages, thresholds []byte
	if err := row.Scan(&wf.ID, &wf.TenantID, pq.Array(&wf.WorkerPoolIDs), &wf.Purpose, &wfType,
		&wf.Start, &wf.End, &wf.Goal, &wf.Version, &stages, pq.Array(&wf.StageOrder), &thresholds,
		pq.Array(&wf.AvailableTools), pq.Array(&wf.MissingTools), &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.Type = models.WorkflowType(wfType)
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &wf.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &wf.MetricThresholds); err != nil {
			return nil, fmt.Errorf("unmarshal metric thresholds: %w", err)
		}
	}
	return &wf, nil
}

func (s *postgresWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, worker_pool_ids, purpose, type, start_date, end_date, goal, version,
		        stages, stage_order, metric_thresholds, available_tools, missing_tools, created_at, updated_at
		 FROM workflows WHERE id = $1`, id)
	return s.scanWorkflow(row)
}

// Update replaces the current-version row and appends version in the same
// transaction. The caller decides what changed and builds the
// WorkflowVersion's Diff accordingly; this method just persists both rows
// atomically.
func (s *postgresWorkflowStore) Update(ctx context.Context, wf *models.Workflow, version *models.WorkflowVersion) error {
	tx, err := s.db.BeginTxx(ctx, nil)
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
		return fmt.Errorf("marshal metric thresholds: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET worker_pool_ids = $1, purpose = $2, type = $3, start_date = $4,
		        end_date = $5, goal = $6, version = $7, stages = $8, stage_order = $9,
		        metric_thresholds = $10, available_tools = $11, missing_tools = $12, updated_at = $13
		 WHERE id = $14`,
		pq.Array(wf.WorkerPoolIDs), wf.Purpose, string(wf.Type), wf.Start, wf.End, wf.Goal,
		wf.Version, stages, pq.Array(wf.StageOrder), thresholds, pq.Array(wf.AvailableTools),
		pq.Array(wf.MissingTools), wf.UpdatedAt, wf.ID)
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
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			version.ID, version.WorkflowID, version.Version, version.PreviousVersion, changes,
			version.Reason, version.Author, diff, version.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert workflow version: %w", err)
		}
	}

	return tx.Commit()
}

func (s *postgresWorkflowStore) ListVersions(ctx context.Context, workflowID string) ([]*models.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, version, previous_version, changes, reason, author, diff, created_at
		 FROM workflow_versions WHERE workflow_id = $1 ORDER BY version ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowVersion
	for rows.Next() {
		var v models.WorkflowVersion
		var changes, diff []byte
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.Version, &v.PreviousVersion, &changes,
			&v.Reason, &v.Author, &diff, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow version: %w", err)
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &v.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal version changes: %w", err)
			}
		}
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &v.Diff); err != nil {
				return nil, fmt.Errorf("unmarshal version diff: %w", err)
			}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

type postgresWorkflowExecutionStore struct{ db *sqlx.DB }

func (s *postgresWorkflowExecutionStore) Create(ctx context.Context, e *models.WorkflowExecution) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, workflow_version, tenant_id, subject_ids,
		        current_stage, status, metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.WorkflowID, e.WorkflowVersion, e.TenantID, pq.Array(e.SubjectIDs), e.CurrentStage,
		string(e.Status), metrics, decisions, toolUsage, missingTools, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *postgresWorkflowExecutionStore) scan(row *sql.Row) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var status string
	var metrics, decisions, toolUsage, missingTools []byte
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.TenantID, pq.Array(&e.SubjectIDs),
		&e.CurrentStage, &status, &metrics, &decisions, &toolUsage, &missingTools,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.Status = models.ExecutionStatus(status)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &e.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &e.Decisions); err != nil {
			return nil, fmt.Errorf("unmarshal decisions: %w", err)
		}
	}
	if len(toolUsage) > 0 {
		if err := json.Unmarshal(toolUsage, &e.ToolUsage); err != nil {
			return nil, fmt.Errorf("unmarshal tool usage: %w", err)
		}
	}
	if len(missingTools) > 0 {
		if err := json.Unmarshal(missingTools, &e.MissingToolLog); err != nil {
			return nil, fmt.Errorf("unmarshal missing tool log: %w", err)
		}
	}
	return &e, nil
}

func (s *postgresWorkflowExecutionStore) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, subject_ids, current_stage, status,
		        metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at
		 FROM workflow_executions WHERE id = $1`, id)
	return s.scan(row)
}

// Update persists the whole execution row. Per the "modified field"
// protocol, callers that only mutated one embedded slice
// (Decisions, ToolUsage, MissingToolLog) still pass the full execution;
// this layer has no per-field dirty tracking, unlike workflowstore's
// cache, which does.
func (s *postgresWorkflowExecutionStore) Update(ctx context.Context, e *models.WorkflowExecution) error {
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
		`UPDATE workflow_executions SET current_stage = $1, status = $2, metrics = $3, decisions = $4,
		        tool_usage = $5, missing_tool_log = $6, updated_at = $7 WHERE id = $8`,
		e.CurrentStage, string(e.Status), metrics, decisions, toolUsage, missingTools, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *postgresWorkflowExecutionStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, subject_ids, current_stage, status,
		        metrics, decisions, tool_usage, missing_tool_log, created_at, updated_at
		 FROM workflow_executions WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowExecution
	for rows.Next() {
		var e models.WorkflowExecution
		var status string
		var metrics, decisions, toolUsage, missingTools []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &e.TenantID, pq.Array(&e.SubjectIDs),
			&e.CurrentStage, &status, &metrics, &decisions, &toolUsage, &missingTools,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = models.ExecutionStatus(status)
		_ = json.Unmarshal(metrics, &e.Metrics)
		_ = json.Unmarshal(decisions, &e.Decisions)
		_ = json.Unmarshal(toolUsage, &e.ToolUsage)
		_ = json.Unmarshal(missingTools, &e.MissingToolLog)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type postgresConversationThreadStore struct{ db *sqlx.DB }

func (s *postgresConversationThreadStore) Create(ctx context.Context, t *models.ConversationThread) error {
	messages, err := marshalJSON(t.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_threads (id, tenant_id, subject_id, execution_id, state, reason,
		        messages, paused_execution, resolved_by, resolution_note, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
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

func (s *postgresConversationThreadStore) scan(row *sql.Row) (*models.ConversationThread, error) {
	var t models.ConversationThread
	var state string
	var messages []byte
	if err := row.Scan(&t.ID, &t.TenantID, &t.SubjectID, &t.ExecutionID, &state, &t.Reason,
		&messages, &t.PausedExecution, &t.ResolvedBy, &t.ResolutionNote, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.State = models.ThreadState(state)
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &t.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	return &t, nil
}

func (s *postgresConversationThreadStore) Get(ctx context.Context, id string) (*models.ConversationThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, state, reason, messages, paused_execution,
		        resolved_by, resolution_note, created_at, updated_at
		 FROM conversation_threads WHERE id = $1`, id)
	return s.scan(row)
}

func (s *postgresConversationThreadStore) Update(ctx context.Context, t *models.ConversationThread) error {
	messages, err := marshalJSON(t.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_threads SET state = $1, reason = $2, messages = $3, paused_execution = $4,
		        resolved_by = $5, resolution_note = $6, updated_at = $7 WHERE id = $8`,
		string(t.State), t.Reason, messages, t.PausedExecution, t.ResolvedBy, t.ResolutionNote,
		t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *postgresConversationThreadStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.ConversationThread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, state, reason, messages, paused_execution,
		        resolved_by, resolution_note, created_at, updated_at
		 FROM conversation_threads
		 WHERE state NOT IN ('resolved', 'resumed', 'abandoned') AND updated_at <= $1`, cutoff)
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

type postgresMissingToolRequestStore struct{ db *sqlx.DB }

func (s *postgresMissingToolRequestStore) Upsert(ctx context.Context, r *models.MissingToolRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missing_tool_requests (id, tenant_id, tool_name, workflow_id, subject_id, count,
		        priority, notes, implemented, first_seen_at, last_seen_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (tenant_id, tool_name) DO UPDATE SET
		        count = EXCLUDED.count, priority = EXCLUDED.priority, notes = EXCLUDED.notes,
		        implemented = EXCLUDED.implemented, last_seen_at = EXCLUDED.last_seen_at`,
		r.ID, r.TenantID, r.ToolName, r.WorkflowID, r.SubjectID, r.Count, r.Priority, r.Notes,
		r.Implemented, r.FirstSeenAt, r.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert missing tool request: %w", err)
	}
	return nil
}

func (s *postgresMissingToolRequestStore) List(ctx context.Context, tenantID string) ([]*models.MissingToolRequest, error) {
	query := `SELECT id, tenant_id, tool_name, workflow_id, subject_id, count, priority, notes,
	                 implemented, first_seen_at, last_seen_at FROM missing_tool_requests`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
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

type postgresPolicyRuleStore struct{ db *sqlx.DB }

func (s *postgresPolicyRuleStore) Get(ctx context.Context, tenantID, key string) (*models.PolicyRule, error) {
	var r models.PolicyRule
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, key, value, updated_at FROM policy_rules WHERE tenant_id = $1 AND key = $2`,
		tenantID, key)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Key, &r.Value, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get policy rule: %w", err)
	}
	return &r, nil
}

func (s *postgresPolicyRuleStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, key, value, updated_at FROM policy_rules WHERE tenant_id = $1`, tenantID)
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

func (s *postgresPolicyRuleStore) Upsert(ctx context.Context, r *models.PolicyRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_rules (id, tenant_id, key, value, updated_at) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		r.ID, r.TenantID, r.Key, r.Value, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert policy rule: %w", err)
	}
	return nil
}

type postgresActionStore struct{ db *sqlx.DB }

func (s *postgresActionStore) Create(ctx context.Context, a *models.Action) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, tenant_id, subject_id, execution_id, channel, status, scheduled_at,
		        executed_at, payload, violations, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.TenantID, a.SubjectID, a.ExecutionID, string(a.Channel), string(a.Status),
		a.ScheduledAt, nullableTimePtr(a.ExecutedAt), payload, pq.Array(a.Violations), a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *postgresActionStore) Update(ctx context.Context, a *models.Action) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = $1, executed_at = $2, payload = $3, violations = $4 WHERE id = $5`,
		string(a.Status), nullableTimePtr(a.ExecutedAt), payload, pq.Array(a.Violations), a.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *postgresActionStore) ListBySubject(ctx context.Context, tenantID, subjectID string) ([]*models.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, subject_id, execution_id, channel, status, scheduled_at, executed_at,
		        payload, violations, created_at
		 FROM actions WHERE tenant_id = $1 AND subject_id = $2 ORDER BY created_at DESC`, tenantID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		var a models.Action
		var channel, status string
		var executedAt sql.NullTime
		var payload []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SubjectID, &a.ExecutionID, &channel, &status,
			&a.ScheduledAt, &executedAt, &payload, pq.Array(&a.Violations), &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Channel = models.ChannelType(channel)
		a.Status = models.ActionStatus(status)
		if executedAt.Valid {
			a.ExecutedAt = &executedAt.Time
		}
		_ = json.Unmarshal(payload, &a.Payload)
		out = append(out, &a)
	}
	return out, rows.Err()
}
