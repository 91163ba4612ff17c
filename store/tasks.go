package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

type taskRow struct {
	ID          string          `db:"id"`
	WorkflowID  string          `db:"workflow_id"`
	AgentType   string          `db:"agent_type"`
	Action      string          `db:"action"`
	Stage       string          `db:"stage"`
	Status      string          `db:"status"`
	RetryCount  int             `db:"retry_count"`
	MaxRetries  int             `db:"max_retries"`
	TimeoutMS   int64           `db:"timeout_ms"`
	Priority    string          `db:"priority"`
	Payload     json.RawMessage `db:"payload"`
	Error       string          `db:"error"`
	CreatedAt   time.Time       `db:"created_at"`
	CompletedAt sql.NullTime    `db:"completed_at"`
}

func (r *taskRow) toDomain() *workflow.Task {
	t := &workflow.Task{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		AgentType:  r.AgentType,
		Action:     r.Action,
		Stage:      r.Stage,
		Status:     workflow.TaskStatus(r.Status),
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		TimeoutMS:  r.TimeoutMS,
		Priority:   workflow.Priority(r.Priority),
		Payload:    r.Payload,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = &r.CompletedAt.Time
	}
	return t
}

const taskColumns = `id, workflow_id, agent_type, action, stage, status,
	retry_count, max_retries, timeout_ms, priority, payload, error,
	created_at, completed_at`

// CreateTask inserts one stage attempt.
func (s *Store) CreateTask(ctx context.Context, t *workflow.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, agent_type, action, stage,
			status, retry_count, max_retries, timeout_ms, priority, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.WorkflowID, t.AgentType, t.Action, t.Stage,
		string(t.Status), t.RetryCount, t.MaxRetries, t.TimeoutMS,
		string(t.Priority), nullableJSON(t.Payload))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

// UpdateTaskStatus moves a task to a new status. Terminal statuses stamp
// completed_at.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status workflow.TaskStatus, errMsg string) error {
	var res sql.Result
	var err error
	if status.IsTerminal() {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, error = $2, completed_at = now()
			WHERE id = $3`, string(status), errMsg, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, error = $2 WHERE id = $3`,
			string(status), errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

// IncrementTaskRetry bumps the retry counter and resets the task to pending
// for the re-queued attempt. Returns the new retry count.
func (s *Store) IncrementTaskRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		UPDATE tasks SET retry_count = retry_count + 1, status = $1
		WHERE id = $2
		RETURNING retry_count`,
		string(workflow.TaskStatusPending), id)
	if err != nil {
		return 0, notFound(err)
	}
	return count, nil
}

// LatestTaskForStage returns the most recent attempt for a workflow stage.
func (s *Store) LatestTaskForStage(ctx context.Context, workflowID, stage string) (*workflow.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workflow_id = $1 AND stage = $2
		ORDER BY created_at DESC LIMIT 1`,
		workflowID, stage)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

// CancelOpenTasks cancels every pending or running task of a workflow.
func (s *Store) CancelOpenTasks(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, completed_at = now()
		WHERE workflow_id = $2 AND status IN ($3, $4)`,
		string(workflow.TaskStatusCancelled), workflowID,
		string(workflow.TaskStatusPending), string(workflow.TaskStatusRunning))
	if err != nil {
		return fmt.Errorf("cancel open tasks for %s: %w", workflowID, err)
	}
	return nil
}
