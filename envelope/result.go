package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/conductor/workflow"
)

// AgentResult is the body an agent publishes when a task finishes.
type AgentResult struct {
	AgentID     string          `json:"agent_id"`
	AgentType   string          `json:"agent_type"`
	WorkflowID  string          `json:"workflow_id"`
	TaskID      string          `json:"task_id"`
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metrics     json.RawMessage `json:"metrics,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   string          `json:"timestamp"`
}

// ResultEnvelope is the transport wrapper around an AgentResult. The outer
// workflow_id and stage route the result; created_at and worker_id feed the
// deterministic event id.
type ResultEnvelope struct {
	WorkflowID string      `json:"workflow_id"`
	TaskID     string      `json:"task_id"`
	Stage      string      `json:"stage"`
	WorkerID   string      `json:"worker_id"`
	CreatedAt  string      `json:"created_at"`
	Result     AgentResult `json:"result"`
}

// ParseResult decodes and schema-validates a raw result message. A message
// failing the schema returns an error wrapping workflow.ErrSchemaInvalid and
// must be dropped, not retried.
func ParseResult(data []byte) (*ResultEnvelope, error) {
	var re ResultEnvelope
	if err := json.Unmarshal(data, &re); err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrSchemaInvalid, err)
	}
	if err := re.validate(); err != nil {
		return nil, err
	}
	return &re, nil
}

func (re *ResultEnvelope) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: missing %s", workflow.ErrSchemaInvalid, field)
	}
	if re.WorkflowID == "" {
		return missing("workflow_id")
	}
	if re.TaskID == "" {
		return missing("task_id")
	}
	if re.Stage == "" {
		return missing("stage")
	}
	if re.CreatedAt == "" {
		return missing("created_at")
	}
	r := &re.Result
	if r.AgentID == "" {
		return missing("result.agent_id")
	}
	if r.AgentType == "" {
		return missing("result.agent_type")
	}
	if r.WorkflowID == "" {
		return missing("result.workflow_id")
	}
	if r.TaskID == "" {
		return missing("result.task_id")
	}
	if r.Status == "" {
		return missing("result.status")
	}
	if r.Timestamp == "" {
		return missing("result.timestamp")
	}
	if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
		return fmt.Errorf("%w: result.timestamp not ISO-8601: %v",
			workflow.ErrSchemaInvalid, err)
	}
	if re.WorkflowID != r.WorkflowID || re.TaskID != r.TaskID {
		return fmt.Errorf("%w: envelope and result identifiers disagree",
			workflow.ErrSchemaInvalid)
	}
	return nil
}
