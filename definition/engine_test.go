package definition

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/workflow"
)

// fakeLoader serves definitions from a map, counting loads to verify
// caching.
type fakeLoader struct {
	defs  map[string]*workflow.Definition
	loads int
}

func (f *fakeLoader) GetDefinition(_ context.Context, platformID string, workflowType workflow.Type) (*workflow.Definition, error) {
	f.loads++
	if def, ok := f.defs[platformID+"|"+string(workflowType)]; ok {
		return def, nil
	}
	return nil, workflow.ErrNotFound
}

func fourStageDef() *workflow.Definition {
	return &workflow.Definition{
		WorkflowType: workflow.TypeApp,
		Stages: []workflow.Stage{
			{Name: "initialization", AgentType: "scaffold", Required: true, ProgressWeight: 25, TimeoutMS: 60000},
			{Name: "scaffolding", AgentType: "scaffold", Required: true, ProgressWeight: 25, TimeoutMS: 120000},
			{Name: "validation", AgentType: "validation", Required: true, ProgressWeight: 25, TimeoutMS: 60000},
			{Name: "deployment", AgentType: "deployment", Required: true, ProgressWeight: 25, TimeoutMS: 300000},
		},
	}
}

func newTestEngine(defs ...*workflow.Definition) (*Engine, *fakeLoader) {
	loader := &fakeLoader{defs: make(map[string]*workflow.Definition)}
	for _, d := range defs {
		loader.defs[d.PlatformID+"|"+string(d.WorkflowType)] = d
	}
	return NewEngine(loader, nil, slog.Default()), loader
}

func TestGet_CachesDefinitions(t *testing.T) {
	e, loader := newTestEngine(fourStageDef())
	ctx := context.Background()

	_, err := e.Get(ctx, "", workflow.TypeApp)
	require.NoError(t, err)
	_, err = e.Get(ctx, "", workflow.TypeApp)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loads, "second lookup must hit the cache")

	e.ClearCache()
	_, err = e.Get(ctx, "", workflow.TypeApp)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.loads)
}

func TestNextStage_WalksDefinitionInOrder(t *testing.T) {
	e, _ := newTestEngine(fourStageDef())
	ctx := context.Background()

	first, err := e.NextStage(ctx, "", workflow.TypeApp, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "initialization", first.Stage)
	assert.Equal(t, 0, first.StageIndex)
	assert.Equal(t, 4, first.TotalStages)
	assert.Equal(t, "scaffold", first.AgentType)
	assert.Equal(t, 25, first.ExpectedProgress)

	second, err := e.NextStage(ctx, "", workflow.TypeApp, "initialization", nil)
	require.NoError(t, err)
	assert.Equal(t, "scaffolding", second.Stage)
	assert.Equal(t, 50, second.ExpectedProgress)

	last, err := e.NextStage(ctx, "", workflow.TypeApp, "deployment", nil)
	require.NoError(t, err)
	assert.True(t, last.Terminal)
}

func TestNextStage_SkipsStagesWithFalsePredicate(t *testing.T) {
	def := fourStageDef()
	def.Stages[2].Condition = "needs_validation"
	e, _ := newTestEngine(def)
	e.RegisterPredicate("needs_validation", func(req json.RawMessage) bool {
		return string(req) == `{"validate":true}`
	})
	ctx := context.Background()

	next, err := e.NextStage(ctx, "", workflow.TypeApp, "scaffolding", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "deployment", next.Stage, "unmatched predicate skips validation")

	next, err = e.NextStage(ctx, "", workflow.TypeApp, "scaffolding", json.RawMessage(`{"validate":true}`))
	require.NoError(t, err)
	assert.Equal(t, "validation", next.Stage)
}

func TestProgress_Weighted(t *testing.T) {
	def := &workflow.Definition{
		WorkflowType: workflow.TypeApp,
		Stages: []workflow.Stage{
			{Name: "a", AgentType: "x", ProgressWeight: 10},
			{Name: "b", AgentType: "x", ProgressWeight: 30},
			{Name: "c", AgentType: "x", ProgressWeight: 60},
		},
	}
	e, _ := newTestEngine(def)
	ctx := context.Background()

	tests := []struct {
		stage      string
		wantIdx    int
		wantPct    int
		wantCumul  int
		wantWeight int
	}{
		{"a", 0, 10, 10, 100},
		{"b", 1, 40, 40, 100},
		{"c", 2, 100, 100, 100},
		{"missing", -1, 0, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			p, err := e.Progress(ctx, "", workflow.TypeApp, tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIdx, p.StageIndex)
			assert.Equal(t, tt.wantPct, p.ProgressPercentage)
			assert.Equal(t, tt.wantCumul, p.CumulativeWeight)
			assert.Equal(t, tt.wantWeight, p.TotalWeight)
		})
	}
}

func TestProgress_LinearAndExponential(t *testing.T) {
	def := fourStageDef()
	def.ProgressCalculation = workflow.ProgressLinear
	e, _ := newTestEngine(def)
	ctx := context.Background()

	p, err := e.Progress(ctx, "", workflow.TypeApp, "scaffolding")
	require.NoError(t, err)
	assert.Equal(t, 50, p.ProgressPercentage)

	defExp := fourStageDef()
	defExp.ProgressCalculation = workflow.ProgressExponential
	e2, _ := newTestEngine(defExp)

	p, err = e2.Progress(ctx, "", workflow.TypeApp, "initialization")
	require.NoError(t, err)
	// (1/4)^0.8 = 0.3299 -> 33
	assert.Equal(t, 33, p.ProgressPercentage)
}

func TestValidate(t *testing.T) {
	e, _ := newTestEngine()

	v := e.Validate(fourStageDef())
	assert.True(t, v.Valid)

	bad := fourStageDef()
	bad.Stages[1].Name = "initialization"
	v = e.Validate(bad)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Errors)

	empty := &workflow.Definition{WorkflowType: workflow.TypeApp}
	v = e.Validate(empty)
	assert.False(t, v.Valid)

	zeroWeight := fourStageDef()
	for i := range zeroWeight.Stages {
		zeroWeight.Stages[i].ProgressWeight = 0
	}
	v = e.Validate(zeroWeight)
	assert.False(t, v.Valid)
}

func TestFallback_ServesLegacyDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "definitions.yaml")
	yaml := `definitions:
  - workflow_type: bugfix
    stages:
      - name: triage
        agent_type: validation
        required: true
        progress_weight: 50
        timeout_ms: 60000
      - name: fix
        agent_type: scaffold
        required: true
        progress_weight: 50
        timeout_ms: 120000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	fb, err := LoadFallback(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fb.Close() })

	loader := &fakeLoader{defs: map[string]*workflow.Definition{}}
	e := NewEngine(loader, fb, slog.Default())

	def, err := e.Get(context.Background(), "", workflow.TypeBugfix)
	require.NoError(t, err)
	require.Len(t, def.Stages, 2)
	assert.Equal(t, "triage", def.Stages[0].Name)

	_, err = e.Get(context.Background(), "", workflow.TypeTerraform)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}
