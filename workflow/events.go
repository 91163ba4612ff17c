package workflow

import (
	"encoding/json"
	"time"
)

// EventMetadata rides along with every lifecycle event. Stage is drawn from
// the EventStage* enumeration, not from definition stage names.
type EventMetadata struct {
	Stage      string `json:"stage"`
	WorkerID   string `json:"worker_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	PlatformID string `json:"platform_id,omitempty"`
}

// Event is the payload published on the workflow:events topic for every
// workflow status change.
type Event struct {
	WorkflowID   string          `json:"workflow_id"`
	WorkflowType Type            `json:"workflow_type"`
	Status       Status          `json:"status"`
	CurrentStage string          `json:"current_stage,omitempty"`
	Progress     int             `json:"progress"`
	Error        string          `json:"error,omitempty"`
	Metadata     EventMetadata   `json:"metadata"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SchedulerEvent is the payload published on scheduler execution topics and
// mirrored to the job results stream.
type SchedulerEvent struct {
	JobID       string          `json:"job_id"`
	JobName     string          `json:"job_name,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
