// Package engine is the workflow service: it creates workflows, drives them
// stage by stage through the per-workflow state machine, and consumes agent
// results through an exactly-once pipeline built on KV dedup, distributed
// locks, and compare-and-swap stage advancement.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/definition"
	"github.com/c360studio/conductor/dispatch"
	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/fsm"
	"github.com/c360studio/conductor/kv"
	"github.com/c360studio/conductor/workflow"
)

// Store is the persistence surface the engine consumes; *store.Store
// implements it.
type Store interface {
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status workflow.Status, lastError string) error
	AdvanceStage(ctx context.Context, id, fromStage, toStage string, fromVersion int64, progress int, status workflow.Status) error
	SetStageOutput(ctx context.Context, id string, out workflow.StageOutput) error

	CreateTask(ctx context.Context, t *workflow.Task) error
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status workflow.TaskStatus, errMsg string) error
	IncrementTaskRetry(ctx context.Context, id string) (int, error)
	LatestTaskForStage(ctx context.Context, workflowID, stage string) (*workflow.Task, error)
	CancelOpenTasks(ctx context.Context, workflowID string) error
}

// Definitions answers next-stage queries; *definition.Engine implements it.
type Definitions interface {
	NextStage(ctx context.Context, platformID string, workflowType workflow.Type, currentStage string, requirements json.RawMessage) (*definition.NextStage, error)
}

// Dispatcher publishes envelopes; *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) error
}

// Config tunes the exactly-once pipeline.
type Config struct {
	// WorkerID identifies this process in logs and event ids.
	WorkerID string
	// LockTTL bounds how long a worker may hold a per-task lock.
	LockTTL time.Duration
	// DedupTTL is how long processed event ids are remembered.
	DedupTTL time.Duration
	// PollInterval and MaxPolls bound the wait-for-transition loop.
	PollInterval time.Duration
	MaxPolls     int
	// DefaultMaxRetries is the retry budget for stage tasks.
	DefaultMaxRetries int
	// DefaultTimeoutMS applies when a stage declares no timeout.
	DefaultTimeoutMS int64
	// OutputRoot is where per-workflow output directories live.
	OutputRoot string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		WorkerID:          fmt.Sprintf("%s-%d", host, os.Getpid()),
		LockTTL:           5000 * time.Millisecond,
		DedupTTL:          48 * time.Hour,
		PollInterval:      100 * time.Millisecond,
		MaxPolls:          50,
		DefaultMaxRetries: 3,
		DefaultTimeoutMS:  300000,
	}
}

// Stats counts pipeline outcomes since process start.
type Stats struct {
	Processed     int64
	Duplicates    int64
	LockContended int64
	StaleDropped  int64
	SchemaRejects int64
	Conflicts     int64
}

// Service drives workflows. Safe for concurrent use; per-task mutations are
// serialized by the distributed lock.
type Service struct {
	cfg        Config
	store      Store
	kv         kv.Store
	bus        bus.Bus
	dispatcher Dispatcher
	defs       Definitions
	builder    *envelope.Builder
	machines   *fsm.Registry
	logger     *slog.Logger

	// In-memory idempotency backstop, second line of defense behind the
	// KV dedup set.
	seenLocal sync.Map

	processed     atomic.Int64
	duplicates    atomic.Int64
	lockContended atomic.Int64
	staleDropped  atomic.Int64
	schemaRejects atomic.Int64
	conflicts     atomic.Int64
}

// New wires a Service. Zero-valued Config fields fall back to defaults.
func New(cfg Config, st Store, kvStore kv.Store, b bus.Bus, d Dispatcher, defs Definitions, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = def.WorkerID
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = def.DefaultTimeoutMS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		kv:         kvStore,
		bus:        b,
		dispatcher: d,
		defs:       defs,
		builder:    envelope.NewBuilder(cfg.OutputRoot),
		machines:   fsm.NewRegistry(),
		logger:     logger.With("component", "engine", "worker_id", cfg.WorkerID),
	}
}

// Start binds the result handler when the dispatcher owns the subscription.
func (s *Service) Start(ctx context.Context, d *dispatch.Dispatcher) error {
	d.OnResult(s.HandleResult)
	return d.Start(ctx)
}

// Stats returns a snapshot of pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		Processed:     s.processed.Load(),
		Duplicates:    s.duplicates.Load(),
		LockContended: s.lockContended.Load(),
		StaleDropped:  s.staleDropped.Load(),
		SchemaRejects: s.schemaRejects.Load(),
		Conflicts:     s.conflicts.Load(),
	}
}

// Create validates a submission, persists the workflow at its first stage,
// and dispatches the first task.
func (s *Service) Create(ctx context.Context, req *workflow.CreateRequest) (*workflow.Workflow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	first, err := s.defs.NextStage(ctx, req.PlatformID, req.Type, "", req.Requirements)
	if err != nil {
		return nil, fmt.Errorf("resolve first stage: %w", err)
	}
	if first.Terminal {
		return nil, workflow.NewValidationError("type",
			"definition for %s has no runnable stages", req.Type)
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	w := &workflow.Workflow{
		ID:           uuid.NewString(),
		Type:         req.Type,
		PlatformID:   req.PlatformID,
		Name:         req.Name,
		Description:  req.Description,
		Status:       workflow.StatusRunning,
		CurrentStage: first.Stage,
		Progress:     first.ExpectedProgress,
		Version:      1,
		Requirements: req.Requirements,
		CreatedBy:    req.CreatedBy,
		TraceID:      traceID,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	m := fsm.New(w.ID)
	if _, err := m.Apply(fsm.Event{Type: fsm.EventStart, NextStage: first.Stage}); err != nil {
		return nil, err
	}
	s.machines.Put(m)

	s.publishEvent(ctx, w, workflow.EventStageCreated, "")

	if err := s.dispatchStage(ctx, w, first); err != nil {
		s.failWorkflow(ctx, m, w, fmt.Sprintf("dispatch failed: %v", err))
		return nil, err
	}
	return w, nil
}

// Get returns one workflow.
func (s *Service) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// Cancel unconditionally moves a non-terminal workflow to cancelled and
// cancels its open tasks.
func (s *Service) Cancel(ctx context.Context, id string) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	m := s.machines.GetOrRestore(w)
	if _, err := m.Apply(fsm.Event{Type: fsm.EventCancel}); err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusCancelled, ""); err != nil {
		return err
	}
	if err := s.store.CancelOpenTasks(ctx, id); err != nil {
		s.logger.Warn("cancel open tasks", "workflow_id", id, "error", err)
	}
	w.Status = workflow.StatusCancelled
	s.publishEvent(ctx, w, workflow.EventStageCancelled, "")
	s.machines.Remove(id)
	return nil
}

// Retry re-queues the current stage of a failed workflow.
func (s *Service) Retry(ctx context.Context, id string) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusFailed {
		return workflow.NewValidationError("status",
			"only failed workflows can be retried, workflow is %s", w.Status)
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusRunning, ""); err != nil {
		return err
	}
	w.Status = workflow.StatusRunning
	s.machines.Remove(id)
	m := s.machines.GetOrRestore(w)

	task, err := s.store.LatestTaskForStage(ctx, id, w.CurrentStage)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return err
	}
	if task != nil {
		if _, err := s.store.IncrementTaskRetry(ctx, task.ID); err != nil {
			return err
		}
		task.Status = workflow.TaskStatusPending
		if err := s.dispatchTask(ctx, task, w); err != nil {
			s.failWorkflow(ctx, m, w, fmt.Sprintf("retry dispatch failed: %v", err))
			return err
		}
	} else {
		ns, err := s.agentForStage(ctx, w)
		if err != nil {
			return err
		}
		if err := s.dispatchStage(ctx, w, ns); err != nil {
			s.failWorkflow(ctx, m, w, fmt.Sprintf("retry dispatch failed: %v", err))
			return err
		}
	}
	s.publishEvent(ctx, w, workflow.EventStageResumed, "")
	return nil
}

// RequestDecision pauses a running workflow until a decision resolves.
func (s *Service) RequestDecision(ctx context.Context, id, decisionID string) error {
	return s.pause(ctx, id, fsm.Event{Type: fsm.EventDecisionRequired, ID: decisionID})
}

// RequestClarification pauses a running workflow until a clarification
// resolves.
func (s *Service) RequestClarification(ctx context.Context, id, clarificationID string) error {
	return s.pause(ctx, id, fsm.Event{Type: fsm.EventClarificationRequired, ID: clarificationID})
}

// ResolveDecision applies an approval or rejection to a paused workflow.
func (s *Service) ResolveDecision(ctx context.Context, id, decisionID string, approved bool, reason string) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	m := s.machines.GetOrRestore(w)
	ev := fsm.Event{Type: fsm.EventDecisionApproved, ID: decisionID}
	if !approved {
		ev = fsm.Event{Type: fsm.EventDecisionRejected, ID: decisionID, Reason: reason}
	}
	out, err := m.Apply(ev)
	if err != nil {
		return err
	}
	switch out.Effect {
	case fsm.EffectResumed:
		if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusRunning, ""); err != nil {
			return err
		}
		w.Status = workflow.StatusRunning
		s.publishEvent(ctx, w, workflow.EventStageResumed, "")
	case fsm.EffectFailed:
		if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusFailed, out.Err); err != nil {
			return err
		}
		w.Status = workflow.StatusFailed
		s.publishEvent(ctx, w, workflow.EventStageFailed, out.Err)
		s.machines.Remove(id)
	}
	return nil
}

// CompleteClarification resumes a workflow paused for clarification.
func (s *Service) CompleteClarification(ctx context.Context, id, clarificationID string) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	m := s.machines.GetOrRestore(w)
	if _, err := m.Apply(fsm.Event{Type: fsm.EventClarificationComplete, ID: clarificationID}); err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusRunning, ""); err != nil {
		return err
	}
	w.Status = workflow.StatusRunning
	s.publishEvent(ctx, w, workflow.EventStageResumed, "")
	return nil
}

func (s *Service) pause(ctx context.Context, id string, ev fsm.Event) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	m := s.machines.GetOrRestore(w)
	out, err := m.Apply(ev)
	if err != nil {
		return err
	}
	if out.Effect == fsm.EffectNone {
		return nil
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, workflow.StatusPaused, ""); err != nil {
		return err
	}
	w.Status = workflow.StatusPaused
	s.publishEvent(ctx, w, workflow.EventStagePaused, "")
	return nil
}

// agentForStage resolves the definition entry for the workflow's current
// stage by walking from the preceding stage.
func (s *Service) agentForStage(ctx context.Context, w *workflow.Workflow) (*definition.NextStage, error) {
	// Walking from "" yields the first stage; advance until we land on
	// the current one.
	cursor := ""
	for {
		ns, err := s.defs.NextStage(ctx, w.PlatformID, w.Type, cursor, w.Requirements)
		if err != nil {
			return nil, err
		}
		if ns.Terminal {
			return nil, fmt.Errorf("stage %q not in definition for %s", w.CurrentStage, w.Type)
		}
		if ns.Stage == w.CurrentStage {
			return ns, nil
		}
		cursor = ns.Stage
	}
}

// dispatchStage creates the stage's task row and publishes its envelope.
func (s *Service) dispatchStage(ctx context.Context, w *workflow.Workflow, ns *definition.NextStage) error {
	timeout := ns.TimeoutMS
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeoutMS
	}
	task := &workflow.Task{
		ID:         uuid.NewString(),
		WorkflowID: w.ID,
		AgentType:  ns.AgentType,
		Action:     "execute_stage",
		Stage:      ns.Stage,
		Status:     workflow.TaskStatusPending,
		MaxRetries: s.cfg.DefaultMaxRetries,
		TimeoutMS:  timeout,
		Priority:   workflow.PriorityMedium,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	return s.dispatchTask(ctx, task, w)
}

func (s *Service) dispatchTask(ctx context.Context, task *workflow.Task, w *workflow.Workflow) error {
	env, err := s.builder.Build(task, w)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, env); err != nil {
		return err
	}
	_ = s.store.UpdateTaskStatus(ctx, task.ID, workflow.TaskStatusRunning, "")
	return nil
}

// failWorkflow records a terminal failure and publishes the event.
func (s *Service) failWorkflow(ctx context.Context, m *fsm.Machine, w *workflow.Workflow, reason string) {
	if m != nil && m.State() == fsm.StateRunning {
		_, _ = m.Apply(fsm.Event{Type: fsm.EventStageFailed, Stage: m.Stage(), Err: reason, Exhausted: true})
	}
	if err := s.store.UpdateWorkflowStatus(ctx, w.ID, workflow.StatusFailed, reason); err != nil {
		s.logger.Error("record workflow failure", "workflow_id", w.ID, "error", err)
	}
	w.Status = workflow.StatusFailed
	w.LastError = reason
	s.publishEvent(ctx, w, workflow.EventStageFailed, reason)
	s.machines.Remove(w.ID)
}

// publishEvent emits a lifecycle event on workflow:events. Publish failures
// are logged, never surfaced; lifecycle events are advisory.
func (s *Service) publishEvent(ctx context.Context, w *workflow.Workflow, stage, errMsg string) {
	ev := workflow.Event{
		WorkflowID:   w.ID,
		WorkflowType: w.Type,
		Status:       w.Status,
		CurrentStage: w.CurrentStage,
		Progress:     w.Progress,
		Error:        errMsg,
		Metadata: workflow.EventMetadata{
			Stage:      stage,
			WorkerID:   s.cfg.WorkerID,
			TraceID:    w.TraceID,
			PlatformID: w.PlatformID,
		},
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode lifecycle event", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, workflow.WorkflowEventsTopic, w.ID, data); err != nil {
		s.logger.Warn("publish lifecycle event",
			"workflow_id", w.ID, "stage", stage, "error", err)
	}
}
