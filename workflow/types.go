// Package workflow defines the domain model for the conductor orchestrator:
// workflows, tasks, stage definitions, scheduled jobs, and the status
// machinery shared by every component.
package workflow

import (
	"encoding/json"
	"time"
)

// Type identifies what kind of delivery a workflow performs.
type Type string

const (
	TypeApp       Type = "app"
	TypeFeature   Type = "feature"
	TypeBugfix    Type = "bugfix"
	TypePipeline  Type = "pipeline"
	TypeTerraform Type = "terraform"
)

// IsValid returns true for a known workflow type.
func (t Type) IsValid() bool {
	switch t {
	case TypeApp, TypeFeature, TypeBugfix, TypePipeline, TypeTerraform:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is a known workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitiated, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status may move to the target status.
// Terminal states never transition; cancellation is allowed from any
// non-terminal state.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StatusCancelled {
		return true
	}
	switch s {
	case StatusInitiated:
		return target == StatusRunning || target == StatusFailed
	case StatusRunning:
		return target == StatusPaused || target == StatusCompleted || target == StatusFailed
	case StatusPaused:
		return target == StatusRunning || target == StatusFailed
	default:
		return false
	}
}

// Priority orders task dispatch within an agent type.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid returns true for a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// StageOutput is the structured result a stage produced, retained for
// downstream stages.
type StageOutput struct {
	Stage       string          `json:"stage"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`
}

// StageOutputs is the ordered mapping from stage name to output. Order
// follows completion order, which under the stage-mismatch gate equals
// definition order.
type StageOutputs []StageOutput

// Get returns the output for a stage, or nil when the stage has not
// completed.
func (so StageOutputs) Get(stage string) *StageOutput {
	for i := range so {
		if so[i].Stage == stage {
			return &so[i]
		}
	}
	return nil
}

// Set records an output for a stage, replacing any earlier attempt's output.
func (so StageOutputs) Set(out StageOutput) StageOutputs {
	for i := range so {
		if so[i].Stage == out.Stage {
			so[i] = out
			return so
		}
	}
	return append(so, out)
}

// Workflow is the unit of work driven through an ordered sequence of stages.
type Workflow struct {
	ID           string          `json:"id" db:"id"`
	Type         Type            `json:"type" db:"type"`
	PlatformID   string          `json:"platform_id,omitempty" db:"platform_id"`
	Name         string          `json:"name" db:"name"`
	Description  string          `json:"description,omitempty" db:"description"`
	Status       Status          `json:"status" db:"status"`
	CurrentStage string          `json:"current_stage" db:"current_stage"`
	Progress     int             `json:"progress" db:"progress"`
	StageOutputs StageOutputs    `json:"stage_outputs"`
	Version      int64           `json:"version" db:"version"`
	Requirements json.RawMessage `json:"requirements,omitempty" db:"requirements"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	CreatedBy    string          `json:"created_by,omitempty" db:"created_by"`
	TraceID      string          `json:"trace_id,omitempty" db:"trace_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateRequest is a validated workflow submission handed to the engine by a
// surface adapter.
type CreateRequest struct {
	Type         Type            `json:"type"`
	PlatformID   string          `json:"platform_id,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
}

// Validate checks the submission against the workflow contract.
func (r *CreateRequest) Validate() error {
	if !r.Type.IsValid() {
		return NewValidationError("type", "unknown workflow type %q", r.Type)
	}
	if r.Name == "" {
		return NewValidationError("name", "name is required")
	}
	return nil
}
