package workflow

import "fmt"

// ProgressCalculation selects how stage weights are turned into a progress
// percentage. Weighted is primary; the others post-process a base
// percentage.
type ProgressCalculation string

const (
	ProgressWeighted    ProgressCalculation = "weighted"
	ProgressLinear      ProgressCalculation = "linear"
	ProgressExponential ProgressCalculation = "exponential"
	ProgressCustom      ProgressCalculation = "custom"
)

// IsValid returns true for a known progress calculation.
func (p ProgressCalculation) IsValid() bool {
	switch p {
	case ProgressWeighted, ProgressLinear, ProgressExponential, ProgressCustom:
		return true
	default:
		return false
	}
}

// Stage is one step of a workflow definition.
type Stage struct {
	Name           string `json:"name" yaml:"name"`
	DisplayName    string `json:"display_name,omitempty" yaml:"display_name"`
	AgentType      string `json:"agent_type" yaml:"agent_type"`
	Required       bool   `json:"required" yaml:"required"`
	ProgressWeight int    `json:"progress_weight" yaml:"progress_weight"`
	TimeoutMS      int64  `json:"timeout_ms" yaml:"timeout_ms"`
	// Condition is an optional predicate name evaluated against the
	// workflow's requirements; an unmatched condition skips the stage.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Definition is the ordered, weighted stage list for a (platform, type)
// pair. Definitions are read-only after load.
type Definition struct {
	PlatformID          string              `json:"platform_id,omitempty" yaml:"platform_id"`
	WorkflowType        Type                `json:"workflow_type" yaml:"workflow_type"`
	Stages              []Stage             `json:"stages" yaml:"stages"`
	ProgressCalculation ProgressCalculation `json:"progress_calculation,omitempty" yaml:"progress_calculation"`
}

// StageIndex returns the position of the named stage, or -1 when the stage
// is not part of the definition.
func (d *Definition) StageIndex(name string) int {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// StageByName returns the named stage, or nil.
func (d *Definition) StageByName(name string) *Stage {
	if i := d.StageIndex(name); i >= 0 {
		return &d.Stages[i]
	}
	return nil
}

// TotalWeight is the sum of all stage progress weights.
func (d *Definition) TotalWeight() int {
	total := 0
	for i := range d.Stages {
		total += d.Stages[i].ProgressWeight
	}
	return total
}

// RequiredStages returns the names of stages marked required.
func (d *Definition) RequiredStages() []string {
	var names []string
	for i := range d.Stages {
		if d.Stages[i].Required {
			names = append(names, d.Stages[i].Name)
		}
	}
	return names
}

// Validate enforces the definition invariants: non-empty stages, unique
// stage names, non-negative weights summing above zero.
func (d *Definition) Validate() []error {
	var errs []error
	if len(d.Stages) == 0 {
		errs = append(errs, fmt.Errorf("definition has no stages"))
		return errs
	}
	seen := make(map[string]bool, len(d.Stages))
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d has no name", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", s.Name))
		}
		seen[s.Name] = true
		if s.AgentType == "" {
			errs = append(errs, fmt.Errorf("stage %q has no agent_type", s.Name))
		}
		if s.ProgressWeight < 0 {
			errs = append(errs, fmt.Errorf("stage %q has negative progress_weight", s.Name))
		}
	}
	if d.TotalWeight() <= 0 {
		errs = append(errs, fmt.Errorf("total progress weight must be positive"))
	}
	if d.ProgressCalculation != "" && !d.ProgressCalculation.IsValid() {
		errs = append(errs, fmt.Errorf("unknown progress_calculation %q", d.ProgressCalculation))
	}
	return errs
}
