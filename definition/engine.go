// Package definition answers "what stage comes next", "how far along is
// this workflow", and "which agent runs this stage" from platform-scoped
// stage definitions. Definitions are loaded once and cached per
// (platform, workflow type); a legacy fallback file covers types with no
// stored definition.
package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360studio/conductor/workflow"
)

// Loader fetches stored definitions; the relational store implements it.
type Loader interface {
	GetDefinition(ctx context.Context, platformID string, workflowType workflow.Type) (*workflow.Definition, error)
}

// Predicate evaluates a stage's conditional against the workflow's
// requirements. A stage whose named predicate returns false is skipped.
type Predicate func(requirements json.RawMessage) bool

// NextStage is the answer to a next-stage query. A true Terminal means the
// current stage was the last one.
type NextStage struct {
	Terminal         bool
	Stage            string
	StageIndex       int
	TotalStages      int
	AgentType        string
	TimeoutMS        int64
	ExpectedProgress int
	ShouldSkip       bool
}

// Progress is the answer to a progress query. An unknown stage yields
// StageIndex -1 and percentage 0; the caller chooses a fallback.
type Progress struct {
	StageIndex         int
	TotalStages        int
	ProgressPercentage int
	CumulativeWeight   int
	TotalWeight        int
}

// Validation is the outcome of validating a definition.
type Validation struct {
	Valid  bool
	Errors []string
}

// Engine is the definition engine. Safe for concurrent use.
type Engine struct {
	loader   Loader
	fallback *Fallback
	logger   *slog.Logger

	mu         sync.RWMutex
	cache      map[string]*workflow.Definition
	predicates map[string]Predicate
}

// NewEngine builds an engine over a loader. fallback may be nil when no
// legacy definitions file is configured.
func NewEngine(loader Loader, fallback *Fallback, logger *slog.Logger) *Engine {
	return &Engine{
		loader:     loader,
		fallback:   fallback,
		logger:     logger,
		cache:      make(map[string]*workflow.Definition),
		predicates: make(map[string]Predicate),
	}
}

// RegisterPredicate binds a named conditional used by stage definitions.
func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	e.predicates[name] = p
	e.mu.Unlock()
}

func cacheKey(platformID string, workflowType workflow.Type) string {
	return platformID + "|" + string(workflowType)
}

// Get returns the definition for a (platform, type) pair, consulting the
// cache, then the loader, then the legacy fallback. Returns
// workflow.ErrNotFound when none exists.
func (e *Engine) Get(ctx context.Context, platformID string, workflowType workflow.Type) (*workflow.Definition, error) {
	key := cacheKey(platformID, workflowType)

	e.mu.RLock()
	if def, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return def, nil
	}
	e.mu.RUnlock()

	def, err := e.loader.GetDefinition(ctx, platformID, workflowType)
	if errors.Is(err, workflow.ErrNotFound) && e.fallback != nil {
		def = e.fallback.Get(workflowType)
		if def != nil {
			e.logger.Debug("using legacy fallback definition",
				"workflow_type", workflowType, "platform_id", platformID)
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, workflow.ErrNotFound
	}

	e.mu.Lock()
	e.cache[key] = def
	e.mu.Unlock()
	return def, nil
}

// ClearCache drops every cached definition. Called on explicit
// invalidation and when the fallback file changes.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*workflow.Definition)
	e.mu.Unlock()
}

// NextStage computes the stage after currentStage. An empty currentStage
// asks for the first stage. Stages whose conditional predicate rejects the
// requirements are skipped.
func (e *Engine) NextStage(ctx context.Context, platformID string, workflowType workflow.Type, currentStage string, requirements json.RawMessage) (*NextStage, error) {
	def, err := e.Get(ctx, platformID, workflowType)
	if err != nil {
		return nil, err
	}

	start := 0
	if currentStage != "" {
		idx := def.StageIndex(currentStage)
		if idx < 0 {
			return nil, workflow.NewValidationError("current_stage",
				"stage %q not in definition for %s", currentStage, workflowType)
		}
		start = idx + 1
	}

	total := len(def.Stages)
	for i := start; i < total; i++ {
		stage := &def.Stages[i]
		if e.skip(stage, requirements) {
			continue
		}
		prog := e.progressAt(def, i)
		return &NextStage{
			Stage:            stage.Name,
			StageIndex:       i,
			TotalStages:      total,
			AgentType:        stage.AgentType,
			TimeoutMS:        stage.TimeoutMS,
			ExpectedProgress: prog.ProgressPercentage,
			ShouldSkip:       false,
		}, nil
	}
	return &NextStage{Terminal: true, StageIndex: total, TotalStages: total}, nil
}

func (e *Engine) skip(stage *workflow.Stage, requirements json.RawMessage) bool {
	if stage.Condition == "" {
		return false
	}
	e.mu.RLock()
	p, ok := e.predicates[stage.Condition]
	e.mu.RUnlock()
	if !ok {
		// Unknown predicates do not skip; a missing registration must
		// not silently drop a stage.
		e.logger.Warn("unknown stage predicate", "predicate", stage.Condition, "stage", stage.Name)
		return false
	}
	return !p(requirements)
}

// Progress computes where currentStage sits within the definition.
func (e *Engine) Progress(ctx context.Context, platformID string, workflowType workflow.Type, currentStage string) (*Progress, error) {
	def, err := e.Get(ctx, platformID, workflowType)
	if err != nil {
		return nil, err
	}
	idx := def.StageIndex(currentStage)
	if idx < 0 {
		return &Progress{StageIndex: -1, TotalStages: len(def.Stages), TotalWeight: def.TotalWeight()}, nil
	}
	return e.progressAt(def, idx), nil
}

// Validate checks a definition against its invariants.
func (e *Engine) Validate(def *workflow.Definition) Validation {
	errs := def.Validate()
	v := Validation{Valid: len(errs) == 0}
	for _, err := range errs {
		v.Errors = append(v.Errors, err.Error())
	}
	return v
}

// AgentTypeFor returns the agent type bound to a stage.
func (e *Engine) AgentTypeFor(ctx context.Context, platformID string, workflowType workflow.Type, stage string) (string, error) {
	def, err := e.Get(ctx, platformID, workflowType)
	if err != nil {
		return "", err
	}
	s := def.StageByName(stage)
	if s == nil {
		return "", fmt.Errorf("stage %q: %w", stage, workflow.ErrNotFound)
	}
	return s.AgentType, nil
}
