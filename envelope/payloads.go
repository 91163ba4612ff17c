package envelope

import (
	"github.com/c360studio/conductor/workflow"
)

// Agent types the builder knows how to construct a payload for.
const (
	AgentScaffold    = "scaffold"
	AgentValidation  = "validation"
	AgentE2E         = "e2e"
	AgentIntegration = "integration"
	AgentDeployment  = "deployment"
)

// ScaffoldPayload instructs a scaffold agent to generate a project from the
// workflow's requirements.
type ScaffoldPayload struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Requirements any    `json:"requirements,omitempty"`
	OutputDir    string `json:"output_dir"`
	Template     string `json:"template,omitempty"`
}

// Validate implements payload.
func (p *ScaffoldPayload) Validate() error {
	if p.Name == "" {
		return workflow.NewValidationError("payload.name", "name is required")
	}
	if p.OutputDir == "" {
		return workflow.NewValidationError("payload.output_dir", "output_dir is required")
	}
	return nil
}

// ValidationPayload instructs a validation agent which files to check. Paths
// are concrete when the scaffolding output listed them, wildcard patterns
// otherwise.
type ValidationPayload struct {
	Files     []string `json:"files"`
	OutputDir string   `json:"output_dir"`
	Checks    []string `json:"checks,omitempty"`
}

// Validate implements payload.
func (p *ValidationPayload) Validate() error {
	if len(p.Files) == 0 {
		return workflow.NewValidationError("payload.files", "files must be non-empty")
	}
	if p.OutputDir == "" {
		return workflow.NewValidationError("payload.output_dir", "output_dir is required")
	}
	return nil
}

// E2EPayload instructs an e2e agent to run end-to-end scenarios against the
// built application.
type E2EPayload struct {
	OutputDir string   `json:"output_dir"`
	AppURL    string   `json:"app_url,omitempty"`
	Scenarios []string `json:"scenarios,omitempty"`
}

// Validate implements payload.
func (p *E2EPayload) Validate() error {
	if p.OutputDir == "" {
		return workflow.NewValidationError("payload.output_dir", "output_dir is required")
	}
	return nil
}

// IntegrationPayload instructs an integration agent to wire the generated
// services together.
type IntegrationPayload struct {
	OutputDir string   `json:"output_dir"`
	Services  []string `json:"services,omitempty"`
}

// Validate implements payload.
func (p *IntegrationPayload) Validate() error {
	if p.OutputDir == "" {
		return workflow.NewValidationError("payload.output_dir", "output_dir is required")
	}
	return nil
}

// DeploymentPayload instructs a deployment agent to ship the validated
// artifacts to an environment.
type DeploymentPayload struct {
	OutputDir   string   `json:"output_dir"`
	Environment string   `json:"environment"`
	Artifacts   []string `json:"artifacts,omitempty"`
}

// Validate implements payload.
func (p *DeploymentPayload) Validate() error {
	if p.OutputDir == "" {
		return workflow.NewValidationError("payload.output_dir", "output_dir is required")
	}
	if p.Environment == "" {
		return workflow.NewValidationError("payload.environment", "environment is required")
	}
	return nil
}
