package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/store"
	"github.com/c360studio/conductor/workflow"
)

// Mode selects how independent stages are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Gate is a threshold comparison on a metric a stage reports. A blocking
// gate failure aborts the run.
type Gate struct {
	Metric    string  `json:"metric"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Blocking  bool    `json:"blocking"`
}

// Evaluate applies the gate to the reported metrics. A metric the stage did
// not report fails the gate.
func (g Gate) Evaluate(metrics map[string]float64) (bool, error) {
	v, ok := metrics[g.Metric]
	if !ok {
		return false, nil
	}
	switch g.Operator {
	case "gte", ">=":
		return v >= g.Threshold, nil
	case "lte", "<=":
		return v <= g.Threshold, nil
	case "gt", ">":
		return v > g.Threshold, nil
	case "lt", "<":
		return v < g.Threshold, nil
	case "eq", "==":
		return v == g.Threshold, nil
	default:
		return false, fmt.Errorf("unknown gate operator %q", g.Operator)
	}
}

// Stage is one node of the pipeline DAG.
type Stage struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	Gates        []Gate   `json:"gates,omitempty"`
	TimeoutMS    int64    `json:"timeout_ms,omitempty"`
}

// Spec describes one pipeline.
type Spec struct {
	Name   string  `json:"name"`
	Mode   Mode    `json:"mode"`
	Stages []Stage `json:"stages"`
}

// StageResult is what a Runner returns for one stage.
type StageResult struct {
	Output  json.RawMessage
	Metrics map[string]float64
}

// Runner executes one stage's work.
type Runner func(ctx context.Context, stage Stage) (*StageResult, error)

// Status of a pipeline run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// State is the resumable snapshot persisted with every transition.
type State struct {
	Spec            Spec                       `json:"spec"`
	CompletedStages []string                   `json:"completed_stages"`
	Outputs         map[string]json.RawMessage `json:"outputs,omitempty"`
	FailedStage     string                     `json:"failed_stage,omitempty"`
	Error           string                     `json:"error,omitempty"`
}

// PipelineStore persists run snapshots; *store.Store implements it.
type PipelineStore interface {
	SavePipelineExecution(ctx context.Context, p *store.PipelineExecution) error
	GetPipelineExecution(ctx context.Context, id string) (*store.PipelineExecution, error)
}

// Executor runs pipeline specs.
type Executor struct {
	store  PipelineStore
	logger *slog.Logger

	mu     sync.Mutex
	pauses map[string]chan struct{} // execution id -> resume signal
	paused map[string]bool
}

// NewExecutor wires a pipeline executor. st may be nil for purely in-memory
// runs.
func NewExecutor(st PipelineStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		logger: logger.With("component", "pipeline"),
		pauses: make(map[string]chan struct{}),
		paused: make(map[string]bool),
	}
}

// Execute runs a spec to completion, a blocking gate failure, or
// cancellation. It returns the final state.
func (e *Executor) Execute(ctx context.Context, workflowID string, spec Spec, runner Runner) (*State, error) {
	return e.run(ctx, uuid.NewString(), workflowID, spec, nil, runner)
}

// Resume continues a previously paused or interrupted execution from its
// persisted snapshot.
func (e *Executor) Resume(ctx context.Context, executionID string, runner Runner) (*State, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no store configured for resume")
	}
	rec, err := e.store.GetPipelineExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(rec.State, &st); err != nil {
		return nil, fmt.Errorf("decode pipeline state: %w", err)
	}
	return e.run(ctx, executionID, rec.WorkflowID, st.Spec, st.CompletedStages, runner)
}

// Pause asks a running execution to stop after its in-flight stages finish.
func (e *Executor) Pause(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pauses[executionID]; !ok {
		e.pauses[executionID] = make(chan struct{})
	}
	e.paused[executionID] = true
}

// Unpause releases a paused execution.
func (e *Executor) Unpause(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused[executionID] {
		return
	}
	e.paused[executionID] = false
	if ch, ok := e.pauses[executionID]; ok {
		close(ch)
		delete(e.pauses, executionID)
	}
}

func (e *Executor) isPaused(executionID string) (bool, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused[executionID] {
		return false, nil
	}
	return true, e.pauses[executionID]
}

func (e *Executor) run(ctx context.Context, executionID, workflowID string, spec Spec, completed []string, runner Runner) (*State, error) {
	if len(spec.Stages) == 0 {
		return nil, workflow.NewValidationError("stages", "pipeline has no stages")
	}
	graph, err := NewGraph(spec.Stages)
	if err != nil {
		return nil, workflow.NewValidationError("stages", "%v", err)
	}
	graph.MarkCompleted(completed)

	state := &State{
		Spec:            spec,
		CompletedStages: append([]string(nil), completed...),
		Outputs:         make(map[string]json.RawMessage),
	}
	e.persist(ctx, executionID, workflowID, StatusRunning, state)
	e.logger.Info("pipeline started",
		"execution_id", executionID, "pipeline", spec.Name, "mode", spec.Mode)

	started := make(map[string]bool)
	for !graph.Done() {
		if paused, resume := e.isPaused(executionID); paused {
			e.persist(ctx, executionID, workflowID, StatusPaused, state)
			e.logger.Info("pipeline paused", "execution_id", executionID)
			select {
			case <-ctx.Done():
				e.persist(ctx, executionID, workflowID, StatusCancelled, state)
				return state, ctx.Err()
			case <-resume:
			}
			e.persist(ctx, executionID, workflowID, StatusRunning, state)
		}
		if err := ctx.Err(); err != nil {
			e.persist(ctx, executionID, workflowID, StatusCancelled, state)
			return state, err
		}

		var batch []*Stage
		for _, s := range graph.Ready() {
			if !started[s.Name] {
				batch = append(batch, s)
			}
		}
		if len(batch) == 0 {
			return state, fmt.Errorf("pipeline wedged: no runnable stages")
		}
		if spec.Mode != ModeParallel {
			batch = batch[:1]
		}
		for _, s := range batch {
			started[s.Name] = true
		}

		if err := e.runBatch(ctx, executionID, workflowID, graph, state, batch, runner); err != nil {
			return state, err
		}
	}

	e.persist(ctx, executionID, workflowID, StatusCompleted, state)
	e.logger.Info("pipeline completed", "execution_id", executionID, "pipeline", spec.Name)
	return state, nil
}

// runBatch executes a set of independent stages, concurrently in parallel
// mode. The first blocking failure cancels the rest of the batch.
func (e *Executor) runBatch(ctx context.Context, executionID, workflowID string, graph *Graph, state *State, batch []*Stage, runner Runner) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type stageOutcome struct {
		stage *Stage
		res   *StageResult
		err   error
	}
	results := make(chan stageOutcome, len(batch))
	var wg sync.WaitGroup
	for _, s := range batch {
		wg.Add(1)
		go func(s *Stage) {
			defer wg.Done()
			res, err := e.runStage(batchCtx, s, runner)
			results <- stageOutcome{stage: s, res: res, err: err}
			if err != nil {
				cancel()
			}
		}(s)
	}
	wg.Wait()
	close(results)

	var failure error
	for out := range results {
		if out.err != nil {
			if failure == nil {
				failure = out.err
				state.FailedStage = out.stage.Name
				state.Error = out.err.Error()
			}
			continue
		}
		graph.Complete(out.stage.Name)
		state.CompletedStages = append(state.CompletedStages, out.stage.Name)
		if out.res != nil && out.res.Output != nil {
			state.Outputs[out.stage.Name] = out.res.Output
		}
	}

	if failure != nil {
		e.persist(ctx, executionID, workflowID, StatusFailed, state)
		e.logger.Error("pipeline failed",
			"execution_id", executionID, "stage", state.FailedStage, "error", failure)
		return failure
	}
	e.persist(ctx, executionID, workflowID, StatusRunning, state)
	return nil
}

// runStage executes one stage under its timeout and evaluates its gates.
func (e *Executor) runStage(ctx context.Context, s *Stage, runner Runner) (*StageResult, error) {
	stageCtx := ctx
	if s.TimeoutMS > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, time.Duration(s.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res, err := runner(stageCtx, *s)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}

	var metrics map[string]float64
	if res != nil {
		metrics = res.Metrics
	}
	for _, gate := range s.Gates {
		ok, err := gate.Evaluate(metrics)
		if err != nil {
			return nil, fmt.Errorf("stage %q gate %s: %w", s.Name, gate.Metric, err)
		}
		if !ok {
			if gate.Blocking {
				return nil, fmt.Errorf("stage %q blocked: %s %s %g not satisfied",
					s.Name, gate.Metric, gate.Operator, gate.Threshold)
			}
			e.logger.Warn("non-blocking gate failed",
				"stage", s.Name, "metric", gate.Metric, "threshold", gate.Threshold)
		}
	}
	return res, nil
}

// persist saves the run snapshot; persistence failures are logged, the run
// continues in memory.
func (e *Executor) persist(ctx context.Context, executionID, workflowID string, status Status, state *State) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		e.logger.Error("encode pipeline state", "error", err)
		return
	}
	rec := &store.PipelineExecution{
		ID:         executionID,
		WorkflowID: workflowID,
		Status:     string(status),
		State:      data,
	}
	if err := e.store.SavePipelineExecution(ctx, rec); err != nil {
		e.logger.Warn("persist pipeline state", "execution_id", executionID, "error", err)
	}
}
