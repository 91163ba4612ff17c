package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

type executionRow struct {
	ID          string          `db:"id"`
	JobID       string          `db:"job_id"`
	Status      string          `db:"status"`
	ScheduledAt time.Time       `db:"scheduled_at"`
	StartedAt   sql.NullTime    `db:"started_at"`
	CompletedAt sql.NullTime    `db:"completed_at"`
	DurationMS  int64           `db:"duration_ms"`
	Result      json.RawMessage `db:"result"`
	Error       string          `db:"error"`
	ErrorStack  string          `db:"error_stack"`
	RetryCount  int             `db:"retry_count"`
	MaxRetries  int             `db:"max_retries"`
	NextRetryAt sql.NullTime    `db:"next_retry_at"`
	TraceID     string          `db:"trace_id"`
	SpanID      string          `db:"span_id"`
}

func (r *executionRow) toDomain() *workflow.JobExecution {
	e := &workflow.JobExecution{
		ID:          r.ID,
		JobID:       r.JobID,
		Status:      workflow.ExecutionStatus(r.Status),
		ScheduledAt: r.ScheduledAt,
		DurationMS:  r.DurationMS,
		Result:      r.Result,
		Error:       r.Error,
		ErrorStack:  r.ErrorStack,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		TraceID:     r.TraceID,
		SpanID:      r.SpanID,
	}
	if r.StartedAt.Valid {
		e.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		e.CompletedAt = &r.CompletedAt.Time
	}
	if r.NextRetryAt.Valid {
		e.NextRetryAt = &r.NextRetryAt.Time
	}
	return e
}

const executionColumns = `id, job_id, status, scheduled_at, started_at,
	completed_at, duration_ms, result, error, error_stack, retry_count,
	max_retries, next_retry_at, trace_id, span_id`

// CreateExecution inserts one job fire.
func (s *Store) CreateExecution(ctx context.Context, e *workflow.JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, scheduled_at,
			started_at, retry_count, max_retries, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.JobID, string(e.Status), e.ScheduledAt,
		nullableTime(e.StartedAt), e.RetryCount, e.MaxRetries,
		e.TraceID, e.SpanID)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.JobExecution, error) {
	var row executionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+executionColumns+` FROM job_executions WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

// CompleteExecution records the terminal outcome of an execution.
func (s *Store) CompleteExecution(ctx context.Context, e *workflow.JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions
		SET status = $1, completed_at = $2, duration_ms = $3, result = $4,
			error = $5, error_stack = $6, retry_count = $7, next_retry_at = $8
		WHERE id = $9`,
		string(e.Status), nullableTime(e.CompletedAt), e.DurationMS,
		nullableJSON(e.Result), e.Error, e.ErrorStack, e.RetryCount,
		nullableTime(e.NextRetryAt), e.ID)
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", e.ID, err)
	}
	return nil
}

// ListExecutions returns a job's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]*workflow.JobExecution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+` FROM job_executions
		WHERE job_id = $1 ORDER BY scheduled_at DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", jobID, err)
	}
	out := make([]*workflow.JobExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// DueRetries returns failed executions whose next_retry_at has arrived.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*workflow.JobExecution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+` FROM job_executions
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at LIMIT $3`,
		string(workflow.ExecutionFailed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	out := make([]*workflow.JobExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ClearRetry drops the retry marker once a retry has been picked up, so a
// second scheduler tick does not fire it twice.
func (s *Store) ClearRetry(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET next_retry_at = NULL WHERE id = $1`,
		executionID)
	if err != nil {
		return fmt.Errorf("clear retry for %s: %w", executionID, err)
	}
	return nil
}

// AppendExecutionLog records a lifecycle line for an execution. Logging
// failures are the caller's to swallow.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_execution_logs (execution_id, level, message)
		VALUES ($1, $2, $3)`,
		executionID, level, message)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", executionID, err)
	}
	return nil
}
