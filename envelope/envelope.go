// Package envelope defines the wire contract between the orchestrator and
// its agents: the task envelope dispatched per stage and the result message
// agents publish back. The shapes are versioned and preserved exactly for
// compatibility with deployed agents.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/c360studio/conductor/workflow"
)

// Version is the envelope schema version stamped on every dispatch.
const Version = "1.0.0"

// WorkflowContext carries the workflow-level fields agents may consult.
type WorkflowContext struct {
	WorkflowType workflow.Type         `json:"workflow_type"`
	WorkflowName string                `json:"workflow_name"`
	CurrentStage string                `json:"current_stage"`
	StageOutputs workflow.StageOutputs `json:"stage_outputs"`
}

// Envelope is the tagged message carrying one stage task to an agent.
type Envelope struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	WorkflowID      string            `json:"workflow_id"`
	TaskID          string            `json:"task_id"`
	Stage           string            `json:"stage"`
	AgentType       string            `json:"agent_type"`
	Priority        workflow.Priority `json:"priority"`
	Status          string            `json:"status"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	TimeoutMS       int64             `json:"timeout_ms"`
	CreatedAt       string            `json:"created_at"`
	TraceID         string            `json:"trace_id"`
	EnvelopeVersion string            `json:"envelope_version"`
	WorkflowContext WorkflowContext   `json:"workflow_context"`
	Payload         json.RawMessage   `json:"payload"`
}

// Validate enforces the envelope schema.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return workflow.NewValidationError("id", "id is required")
	}
	if e.Type != "task" {
		return workflow.NewValidationError("type", "type must be %q", "task")
	}
	if e.WorkflowID == "" {
		return workflow.NewValidationError("workflow_id", "workflow_id is required")
	}
	if e.TaskID == "" {
		return workflow.NewValidationError("task_id", "task_id is required")
	}
	if e.Stage == "" {
		return workflow.NewValidationError("stage", "stage is required")
	}
	if e.AgentType == "" {
		return workflow.NewValidationError("agent_type", "agent_type is required")
	}
	if !e.Priority.IsValid() {
		return workflow.NewValidationError("priority", "unknown priority %q", e.Priority)
	}
	if e.EnvelopeVersion != Version {
		return workflow.NewValidationError("envelope_version",
			"unsupported version %q", e.EnvelopeVersion)
	}
	if _, err := time.Parse(time.RFC3339, e.CreatedAt); err != nil {
		return workflow.NewValidationError("created_at", "not ISO-8601: %v", err)
	}
	return nil
}
