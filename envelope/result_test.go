package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/workflow"
)

func validResult() ResultEnvelope {
	ts := time.Now().UTC().Format(time.RFC3339)
	return ResultEnvelope{
		WorkflowID: "wf-1",
		TaskID:     "task-1",
		Stage:      "scaffolding",
		WorkerID:   "worker-7",
		CreatedAt:  ts,
		Result: AgentResult{
			AgentID:    "scaffold-agent-2",
			AgentType:  AgentScaffold,
			WorkflowID: "wf-1",
			TaskID:     "task-1",
			Success:    true,
			Status:     "completed",
			Result:     json.RawMessage(`{"files_generated":["main.go"]}`),
			Timestamp:  ts,
		},
	}
}

func TestParseResult(t *testing.T) {
	data, err := json.Marshal(validResult())
	require.NoError(t, err)

	re, err := ParseResult(data)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", re.WorkflowID)
	assert.Equal(t, "scaffolding", re.Stage)
	assert.True(t, re.Result.Success)
}

func TestParseResultSchemaFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ResultEnvelope)
	}{
		{"missing stage", func(re *ResultEnvelope) { re.Stage = "" }},
		{"missing created_at", func(re *ResultEnvelope) { re.CreatedAt = "" }},
		{"missing agent_id", func(re *ResultEnvelope) { re.Result.AgentID = "" }},
		{"missing status", func(re *ResultEnvelope) { re.Result.Status = "" }},
		{"bad timestamp", func(re *ResultEnvelope) { re.Result.Timestamp = "yesterday" }},
		{"identifier mismatch", func(re *ResultEnvelope) { re.Result.TaskID = "task-9" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := validResult()
			tt.mutate(&re)
			data, err := json.Marshal(re)
			require.NoError(t, err)

			_, err = ParseResult(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, workflow.ErrSchemaInvalid)
		})
	}
}

func TestParseResultMalformedJSON(t *testing.T) {
	_, err := ParseResult([]byte(`{"workflow_id": `))
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrSchemaInvalid)
}
