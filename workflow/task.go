package workflow

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a single stage attempt.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid returns true for a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one attempt at a stage of a workflow.
type Task struct {
	ID          string          `json:"task_id" db:"id"`
	WorkflowID  string          `json:"workflow_id" db:"workflow_id"`
	AgentType   string          `json:"agent_type" db:"agent_type"`
	Action      string          `json:"action" db:"action"`
	Stage       string          `json:"stage" db:"stage"`
	Status      TaskStatus      `json:"status" db:"status"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	MaxRetries  int             `json:"max_retries" db:"max_retries"`
	TimeoutMS   int64           `json:"timeout_ms" db:"timeout_ms"`
	Priority    Priority        `json:"priority" db:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	Error       string          `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// RetriesExhausted reports whether the task has used its full retry budget.
func (t *Task) RetriesExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// Dispatchable reports whether the task may be dispatched against the given
// workflow. A task is dispatchable only when the workflow is non-terminal
// and its current stage matches the task's stage.
func (t *Task) Dispatchable(w *Workflow) bool {
	return !w.Status.IsTerminal() && w.CurrentStage == t.Stage
}
