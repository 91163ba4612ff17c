package workflow

import (
	"encoding/json"
	"time"
)

// JobType distinguishes how a scheduled job fires.
type JobType string

const (
	JobTypeCron      JobType = "cron"
	JobTypeOneTime   JobType = "one_time"
	JobTypeRecurring JobType = "recurring"
)

// IsValid returns true for a known job type.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeCron, JobTypeOneTime, JobTypeRecurring:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
)

// HandlerType selects how a job fire is resolved.
type HandlerType string

const (
	HandlerTypeFunction HandlerType = "function"
	HandlerTypeAgent    HandlerType = "agent"
	HandlerTypeWorkflow HandlerType = "workflow"
)

// IsValid returns true for a known handler type.
func (t HandlerType) IsValid() bool {
	switch t {
	case HandlerTypeFunction, HandlerTypeAgent, HandlerTypeWorkflow:
		return true
	default:
		return false
	}
}

// JobStats holds the rolling counters maintained across executions.
type JobStats struct {
	ExecutionsCount int64 `json:"executions_count" db:"executions_count"`
	SuccessCount    int64 `json:"success_count" db:"success_count"`
	FailureCount    int64 `json:"failure_count" db:"failure_count"`
	AvgDurationMS   int64 `json:"avg_duration_ms" db:"avg_duration_ms"`
}

// ScheduledJob is an independent aggregate root for cron, one-shot, and
// recurring jobs.
type ScheduledJob struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Type          JobType         `json:"type" db:"type"`
	Schedule      string          `json:"schedule,omitempty" db:"schedule"`
	Timezone      string          `json:"timezone,omitempty" db:"timezone"`
	NextRun       *time.Time      `json:"next_run,omitempty" db:"next_run"`
	StartDate     *time.Time      `json:"start_date,omitempty" db:"start_date"`
	EndDate       *time.Time      `json:"end_date,omitempty" db:"end_date"`
	MaxExecutions int64           `json:"max_executions,omitempty" db:"max_executions"`
	HandlerName   string          `json:"handler_name" db:"handler_name"`
	HandlerType   HandlerType     `json:"handler_type" db:"handler_type"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	MaxRetries    int             `json:"max_retries" db:"max_retries"`
	RetryDelayMS  int64           `json:"retry_delay_ms" db:"retry_delay_ms"`
	TimeoutMS     int64           `json:"timeout_ms" db:"timeout_ms"`
	Priority      Priority        `json:"priority" db:"priority"`
	Concurrency   int             `json:"concurrency" db:"concurrency"`
	AllowOverlap  bool            `json:"allow_overlap" db:"allow_overlap"`
	Stats         JobStats        `json:"stats"`
	Status        JobStatus       `json:"status" db:"status"`
	Tags          []string        `json:"tags,omitempty"`
	PlatformID    string          `json:"platform_id,omitempty" db:"platform_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether a recurring job has run out of budget: its end
// date passed or its execution cap was reached.
func (j *ScheduledJob) Exhausted(now time.Time) bool {
	if j.EndDate != nil && !now.Before(*j.EndDate) {
		return true
	}
	if j.MaxExecutions > 0 && j.Stats.ExecutionsCount >= j.MaxExecutions {
		return true
	}
	return false
}

// ExecutionStatus is the state of a single job execution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionTimeout ExecutionStatus = "timeout"
)

// JobExecution is one fire of a scheduled job, exclusively owned by it.
type JobExecution struct {
	ID          string          `json:"id" db:"id"`
	JobID       string          `json:"job_id" db:"job_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	ScheduledAt time.Time       `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS  int64           `json:"duration_ms" db:"duration_ms"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	Error       string          `json:"error,omitempty" db:"error"`
	ErrorStack  string          `json:"error_stack,omitempty" db:"error_stack"`
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	MaxRetries  int             `json:"max_retries" db:"max_retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	TraceID     string          `json:"trace_id,omitempty" db:"trace_id"`
	SpanID      string          `json:"span_id,omitempty" db:"span_id"`
}

// EventActionType selects what an event handler does when its event fires.
type EventActionType string

const (
	EventActionCreateJob       EventActionType = "create_job"
	EventActionTriggerWorkflow EventActionType = "trigger_workflow"
	EventActionDispatchAgent   EventActionType = "dispatch_agent"
	EventActionFunction        EventActionType = "function"
)

// IsValid returns true for a known event action type.
func (t EventActionType) IsValid() bool {
	switch t {
	case EventActionCreateJob, EventActionTriggerWorkflow,
		EventActionDispatchAgent, EventActionFunction:
		return true
	default:
		return false
	}
}

// EventHandler binds a named event to an action. A nil platform id means
// the handler is global.
type EventHandler struct {
	ID           string          `json:"id" db:"id"`
	EventName    string          `json:"event_name" db:"event_name"`
	HandlerName  string          `json:"handler_name" db:"handler_name"`
	Enabled      bool            `json:"enabled" db:"enabled"`
	Priority     int             `json:"priority" db:"priority"`
	ActionType   EventActionType `json:"action_type" db:"action_type"`
	ActionConfig json.RawMessage `json:"action_config,omitempty" db:"action_config"`
	PlatformID   *string         `json:"platform_id,omitempty" db:"platform_id"`
	Stats        JobStats        `json:"stats"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
