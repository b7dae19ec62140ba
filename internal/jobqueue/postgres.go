package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// PostgresStore implements Store against the worker_tasks and
// dead_letter_queue_entries tables: raw database/sql, explicit JSON
// marshal/scan for map-typed columns, sql.Null* for optional fields.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("jobqueue: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobqueue: ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, task *models.WorkerTask) error {
	if task == nil {
		return nil
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = time.Now()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = time.Now()

	payload, err := marshalMap(task.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_tasks (id, tenant_id, workflow_id, execution_id, subject_id, agent_id, type, payload, status, idempotency_key, attempts, max_attempts, last_error, available_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			available_at = EXCLUDED.available_at, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
	`,
		task.ID, task.TenantID, task.WorkflowID, task.ExecutionID, nullableString(task.SubjectID),
		nullableString(task.AgentID), task.Type, payload, string(task.Status), task.IdempotencyKey, task.Attempts, task.MaxAttempts,
		nullableString(task.LastError), task.AvailableAt, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, types ...string) (*models.WorkerTask, error) {
	typeFilter := ""
	args := []any{string(models.TaskRunning), time.Now(), string(models.TaskQueued)}
	if len(types) > 0 {
		typeFilter = " AND type = ANY($4)"
		args = append(args, pq.Array(types))
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE worker_tasks SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM worker_tasks
			WHERE status = $3 AND available_at <= $2`+typeFilter+`
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, workflow_id, execution_id, subject_id, agent_id, type, payload, status, idempotency_key, attempts, max_attempts, last_error, available_at, created_at, updated_at
	`, args...)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim next: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (*models.WorkerTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, workflow_id, execution_id, subject_id, agent_id, type, payload, status, idempotency_key, attempts, max_attempts, last_error, available_at, created_at, updated_at
		FROM worker_tasks WHERE id = $1
	`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: get task %s: %w", taskID, err)
	}
	return task, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worker_tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.TaskRunning), time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("jobqueue: mark running %s: %w", taskID, err)
	}
	return nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE worker_tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(models.TaskSucceeded), time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("jobqueue: mark succeeded %s: %w", taskID, err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, taskID string, cause error) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT attempts, max_attempts, tenant_id FROM worker_tasks WHERE id = $1
	`, taskID)
	var attempts, maxAttempts int
	var tenantID string
	if err := row.Scan(&attempts, &maxAttempts, &tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("jobqueue: read task %s: %w", taskID, err)
	}

	attempts++
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if attempts >= maxAttempts {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.ExecContext(ctx, `UPDATE worker_tasks SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
			string(models.TaskDeadLetter), attempts, nullableString(reason), time.Now(), taskID); err != nil {
			return fmt.Errorf("jobqueue: mark dead letter %s: %w", taskID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letter_queue_entries (id, task_id, tenant_id, reason, attempts, requeued, requeued_count, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO NOTHING
		`, taskID+"-dlq", taskID, tenantID, reason, attempts, false, 0, time.Now()); err != nil {
			return fmt.Errorf("jobqueue: insert dead letter entry for %s: %w", taskID, err)
		}
		return tx.Commit()
	}

	_, err := s.db.ExecContext(ctx, `UPDATE worker_tasks SET status = $1, attempts = $2, last_error = $3, available_at = $4, updated_at = $5 WHERE id = $6`,
		string(models.TaskQueued), attempts, nullableString(reason), time.Now().Add(backoff(attempts)), time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("jobqueue: mark failed %s: %w", taskID, err)
	}
	return nil
}

func (s *PostgresStore) AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry == nil || entry.ID == "" {
		return nil
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue_entries (id, task_id, tenant_id, reason, attempts, requeued, requeued_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.TaskID, entry.TenantID, entry.Reason, entry.Attempts, entry.Requeued, entry.RequeuedCount, createdAt)
	if err != nil {
		return fmt.Errorf("jobqueue: add dead letter entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, tenant_id, reason, attempts, requeued, requeued_count, created_at
		FROM dead_letter_queue_entries WHERE requeued = false
		ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetterEntry
	for rows.Next() {
		var e models.DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TenantID, &e.Reason, &e.Attempts, &e.Requeued, &e.RequeuedCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobqueue: scan dead letter: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDeadLetterProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dead_letter_queue_entries SET requeued = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("jobqueue: mark dead letter processed %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, entry *models.DeadLetterEntry, reducedMaxAttempts int) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, workflow_id, execution_id, subject_id, agent_id, type, payload, status, idempotency_key, attempts, max_attempts, last_error, available_at, created_at, updated_at
		FROM worker_tasks WHERE id = $1
	`, entry.TaskID)
	original, err := scanTask(row)
	if err == sql.ErrNoRows {
		return s.MarkDeadLetterProcessed(ctx, entry.ID)
	}
	if err != nil {
		return fmt.Errorf("jobqueue: read original task %s: %w", entry.TaskID, err)
	}

	original.Status = models.TaskQueued
	original.Attempts = 0
	original.MaxAttempts = reducedMaxAttempts
	original.AvailableAt = time.Now()
	if err := s.Enqueue(ctx, original); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE dead_letter_queue_entries SET requeued = true, requeued_count = requeued_count + 1 WHERE id = $1`, entry.ID)
	if err != nil {
		return fmt.Errorf("jobqueue: update dead letter entry %s: %w", entry.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*models.WorkerTask, error) {
	var (
		task         models.WorkerTask
		status       string
		subjectID    sql.NullString
		agentID      sql.NullString
		payloadBytes []byte
		lastError    sql.NullString
	)
	if err := scanner.Scan(
		&task.ID, &task.TenantID, &task.WorkflowID, &task.ExecutionID, &subjectID,
		&agentID, &task.Type, &payloadBytes, &status, &task.IdempotencyKey, &task.Attempts, &task.MaxAttempts,
		&lastError, &task.AvailableAt, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	if subjectID.Valid {
		task.SubjectID = subjectID.String
	}
	if agentID.Valid {
		task.AgentID = agentID.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal task payload: %w", err)
		}
	}
	return &task, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
