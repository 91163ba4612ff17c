package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/workflow"
)

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:           "wf-1",
		Type:         workflow.TypeApp,
		Name:         "billing-portal",
		Description:  "customer billing portal",
		Status:       workflow.StatusRunning,
		CurrentStage: "scaffolding",
		Requirements: json.RawMessage(`{"language":"go"}`),
		TraceID:      "3f2c1f4e-9a8b-4c7d-9e1f-1234567890ab",
	}
}

func testTask(agentType, stage string) *workflow.Task {
	return &workflow.Task{
		ID:         "task-1",
		WorkflowID: "wf-1",
		AgentType:  agentType,
		Stage:      stage,
		Status:     workflow.TaskStatusPending,
		MaxRetries: 3,
		TimeoutMS:  300000,
		Priority:   workflow.PriorityMedium,
		CreatedAt:  time.Now(),
	}
}

func TestBuildScaffoldEnvelope(t *testing.T) {
	b := NewBuilder("/tmp/out")
	w := testWorkflow()

	env, err := b.Build(testTask(AgentScaffold, "scaffolding"), w)
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	assert.Equal(t, "task", env.Type)
	assert.Equal(t, "pending", env.Status)
	assert.Equal(t, Version, env.EnvelopeVersion)
	assert.Equal(t, w.TraceID, env.TraceID)
	assert.Equal(t, w.Name, env.WorkflowContext.WorkflowName)

	var p ScaffoldPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "billing-portal", p.Name)
	assert.Equal(t, "/tmp/out/wf-1", p.OutputDir)
}

func TestBuildValidationFromScaffoldOutput(t *testing.T) {
	b := NewBuilder("/tmp/out")
	w := testWorkflow()
	w.CurrentStage = "validation"
	w.StageOutputs = w.StageOutputs.Set(workflow.StageOutput{
		Stage:       "scaffolding",
		Output:      json.RawMessage(`{"files_generated":["main.go","api/server.go"],"output_dir":"/srv/wf-1"}`),
		CompletedAt: time.Now(),
	})

	env, err := b.Build(testTask(AgentValidation, "validation"), w)
	require.NoError(t, err)

	var p ValidationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, []string{"main.go", "api/server.go"}, p.Files)
	assert.Equal(t, "/srv/wf-1", p.OutputDir)
}

func TestBuildValidationFallsBackToWildcards(t *testing.T) {
	b := NewBuilder("/tmp/out")
	w := testWorkflow()
	w.CurrentStage = "validation"

	env, err := b.Build(testTask(AgentValidation, "validation"), w)
	require.NoError(t, err)

	var p ValidationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.NotEmpty(t, p.Files)
	assert.Contains(t, p.Files, "/tmp/out/wf-1/**/*.go")
	assert.Equal(t, "/tmp/out/wf-1", p.OutputDir)
}

func TestBuildUnknownAgentType(t *testing.T) {
	b := NewBuilder("")
	_, err := b.Build(testTask("philosopher", "pondering"), testWorkflow())
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestBuildGeneratesTraceIDWhenMissing(t *testing.T) {
	b := NewBuilder("")
	w := testWorkflow()
	w.TraceID = ""

	env, err := b.Build(testTask(AgentScaffold, "scaffolding"), w)
	require.NoError(t, err)
	assert.NotEmpty(t, env.TraceID)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	b := NewBuilder("/tmp/out")
	env, err := b.Build(testTask(AgentScaffold, "scaffolding"), testWorkflow())
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Validate())

	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}
