package envelope

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/c360studio/conductor/workflow"
)

// payload is implemented by every agent-type-specific payload variant.
type payload interface {
	Validate() error
}

// scaffoldOutput is the subset of the scaffolding stage's output the builder
// consumes when deriving downstream payloads.
type scaffoldOutput struct {
	FilesGenerated []string `json:"files_generated"`
	OutputDir      string   `json:"output_dir"`
	AppURL         string   `json:"app_url"`
	Services       []string `json:"services"`
}

// Builder constructs the agent envelope for a stage task. OutputRoot is the
// directory under which per-workflow output directories live.
type Builder struct {
	OutputRoot string
}

// NewBuilder returns a Builder rooted at outputRoot, or "./workspaces" when
// empty.
func NewBuilder(outputRoot string) *Builder {
	if outputRoot == "" {
		outputRoot = "./workspaces"
	}
	return &Builder{OutputRoot: outputRoot}
}

// Build assembles the envelope for one task of a workflow. Prior stage
// outputs come from the workflow; derived fields such as the validation file
// list are computed here. Unknown agent types are a validation error.
func (b *Builder) Build(task *workflow.Task, w *workflow.Workflow) (*Envelope, error) {
	p, err := b.payloadFor(task, w)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	traceID := w.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	env := &Envelope{
		ID:              uuid.NewString(),
		Type:            "task",
		WorkflowID:      w.ID,
		TaskID:          task.ID,
		Stage:           task.Stage,
		AgentType:       task.AgentType,
		Priority:        task.Priority,
		Status:          "pending",
		RetryCount:      task.RetryCount,
		MaxRetries:      task.MaxRetries,
		TimeoutMS:       task.TimeoutMS,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		TraceID:         traceID,
		EnvelopeVersion: Version,
		WorkflowContext: WorkflowContext{
			WorkflowType: w.Type,
			WorkflowName: w.Name,
			CurrentStage: w.CurrentStage,
			StageOutputs: w.StageOutputs,
		},
		Payload: raw,
	}
	return env, nil
}

func (b *Builder) payloadFor(task *workflow.Task, w *workflow.Workflow) (payload, error) {
	outputDir := b.outputDir(w)
	switch task.AgentType {
	case AgentScaffold:
		var req any
		if len(w.Requirements) > 0 {
			if err := json.Unmarshal(w.Requirements, &req); err != nil {
				return nil, workflow.NewValidationError("requirements", "not valid JSON: %v", err)
			}
		}
		return &ScaffoldPayload{
			Name:         w.Name,
			Description:  w.Description,
			Requirements: req,
			OutputDir:    outputDir,
		}, nil

	case AgentValidation:
		so := b.scaffoldOutputOf(w)
		files := so.FilesGenerated
		if len(files) == 0 {
			files = wildcardFiles(outputDir)
		}
		return &ValidationPayload{
			Files:     files,
			OutputDir: so.dirOr(outputDir),
			Checks:    []string{"lint", "typecheck", "unit"},
		}, nil

	case AgentE2E:
		so := b.scaffoldOutputOf(w)
		return &E2EPayload{
			OutputDir: so.dirOr(outputDir),
			AppURL:    so.AppURL,
		}, nil

	case AgentIntegration:
		so := b.scaffoldOutputOf(w)
		return &IntegrationPayload{
			OutputDir: so.dirOr(outputDir),
			Services:  so.Services,
		}, nil

	case AgentDeployment:
		so := b.scaffoldOutputOf(w)
		return &DeploymentPayload{
			OutputDir:   so.dirOr(outputDir),
			Environment: "staging",
			Artifacts:   so.FilesGenerated,
		}, nil

	default:
		return nil, workflow.NewValidationError("agent_type",
			"unknown agent type %q", task.AgentType)
	}
}

func (b *Builder) outputDir(w *workflow.Workflow) string {
	return path.Join(b.OutputRoot, w.ID)
}

// scaffoldOutputOf decodes the scaffolding stage's recorded output. Absent
// or malformed output yields the zero value; downstream payloads then fall
// back to wildcard paths.
func (b *Builder) scaffoldOutputOf(w *workflow.Workflow) scaffoldOutput {
	var so scaffoldOutput
	out := w.StageOutputs.Get("scaffolding")
	if out == nil || len(out.Output) == 0 {
		return so
	}
	_ = json.Unmarshal(out.Output, &so)
	return so
}

func (so scaffoldOutput) dirOr(fallback string) string {
	if so.OutputDir != "" {
		return so.OutputDir
	}
	return fallback
}

// wildcardFiles returns glob patterns covering a workflow's output directory
// when the scaffolding output did not enumerate its files.
func wildcardFiles(outputDir string) []string {
	patterns := []string{
		path.Join(outputDir, "**", "*.go"),
		path.Join(outputDir, "**", "*.ts"),
		path.Join(outputDir, "**", "*.yaml"),
	}
	valid := patterns[:0]
	for _, p := range patterns {
		if doublestar.ValidatePattern(p) {
			valid = append(valid, p)
		}
	}
	return valid
}
