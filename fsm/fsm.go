// Package fsm implements the per-workflow state machine. A Machine holds
// the in-process view of one workflow's lifecycle and validates every event
// against it; persistence and dispatch side effects are carried out by the
// caller based on the returned Outcome. Machines are not safe for concurrent
// use; the per-task distributed lock serializes mutations.
package fsm

import (
	"fmt"

	"github.com/c360studio/conductor/workflow"
)

// State is the lifecycle state of one workflow machine.
type State string

const (
	StateCreated             State = "created"
	StateRunning             State = "running"
	StatePausedDecision      State = "paused_for_decision"
	StatePausedClarification State = "paused_for_clarification"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
	StateCancelled           State = "cancelled"
)

// Terminal reports whether no further events are accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// EventType enumerates the events a machine accepts.
type EventType string

const (
	EventStart                 EventType = "START"
	EventStageComplete         EventType = "STAGE_COMPLETE"
	EventStageFailed           EventType = "STAGE_FAILED"
	EventDecisionRequired      EventType = "DECISION_REQUIRED"
	EventDecisionApproved      EventType = "DECISION_APPROVED"
	EventDecisionRejected      EventType = "DECISION_REJECTED"
	EventClarificationRequired EventType = "CLARIFICATION_REQUIRED"
	EventClarificationComplete EventType = "CLARIFICATION_COMPLETE"
	EventRetry                 EventType = "RETRY"
	EventCancel                EventType = "CANCEL"
)

// Event carries one input to a machine. Fields beyond Type are populated
// per event: Stage and EventID for stage events, NextStage/Terminal for
// STAGE_COMPLETE (resolved by the caller against the workflow definition),
// Exhausted for STAGE_FAILED, ID/Reason for decision and clarification
// events.
type Event struct {
	Type      EventType
	Stage     string
	EventID   string
	NextStage string
	Terminal  bool
	Exhausted bool
	Err       string
	ID        string
	Reason    string
}

// Effect names the side effect the caller must perform after a successful
// transition.
type Effect string

const (
	EffectNone          Effect = "none"
	EffectDispatchStage Effect = "dispatch_stage"
	EffectRetryStage    Effect = "retry_stage"
	EffectCompleted     Effect = "workflow_completed"
	EffectFailed        Effect = "workflow_failed"
	EffectCancelled     Effect = "workflow_cancelled"
	EffectPaused        Effect = "workflow_paused"
	EffectResumed       Effect = "workflow_resumed"
)

// Outcome describes the result of applying an event.
type Outcome struct {
	Effect Effect
	// Stage to dispatch or retry when Effect is dispatch_stage or
	// retry_stage.
	Stage string
	// Error to record when Effect is workflow_failed.
	Err string
}

// Machine is the state machine for one workflow.
type Machine struct {
	WorkflowID string

	state State
	stage string
	// State to resume into after a pause clears.
	resumeState State
	// Pending decision or clarification id while paused.
	pendingID string
}

// New builds a machine in the created state.
func New(workflowID string) *Machine {
	return &Machine{WorkflowID: workflowID, state: StateCreated}
}

// Restore builds a machine reflecting persisted workflow state, used when a
// worker picks up a workflow it did not create.
func Restore(workflowID string, status workflow.Status, stage string) *Machine {
	m := &Machine{WorkflowID: workflowID, stage: stage}
	switch status {
	case workflow.StatusInitiated:
		m.state = StateCreated
	case workflow.StatusRunning:
		m.state = StateRunning
	case workflow.StatusPaused:
		m.state = StatePausedDecision
		m.resumeState = StateRunning
	case workflow.StatusCompleted:
		m.state = StateCompleted
	case workflow.StatusFailed:
		m.state = StateFailed
	case workflow.StatusCancelled:
		m.state = StateCancelled
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Stage returns the current stage, empty before START.
func (m *Machine) Stage() string { return m.stage }

// Apply validates ev against the current state, transitions, and returns
// the side effect the caller must perform. A rejected event leaves the
// machine unchanged.
func (m *Machine) Apply(ev Event) (Outcome, error) {
	if m.state.Terminal() {
		return Outcome{}, fmt.Errorf("%w: workflow %s is %s",
			workflow.ErrTerminal, m.WorkflowID, m.state)
	}

	switch ev.Type {
	case EventStart:
		return m.start(ev)
	case EventStageComplete:
		return m.stageComplete(ev)
	case EventStageFailed:
		return m.stageFailed(ev)
	case EventRetry:
		return m.retry(ev)
	case EventCancel:
		m.state = StateCancelled
		return Outcome{Effect: EffectCancelled}, nil
	case EventDecisionRequired:
		return m.pause(StatePausedDecision, ev.ID)
	case EventClarificationRequired:
		return m.pause(StatePausedClarification, ev.ID)
	case EventDecisionApproved:
		return m.resume(StatePausedDecision, ev.ID)
	case EventClarificationComplete:
		return m.resume(StatePausedClarification, ev.ID)
	case EventDecisionRejected:
		return m.reject(ev)
	default:
		return Outcome{}, fmt.Errorf("fsm: unknown event %q", ev.Type)
	}
}

func (m *Machine) start(ev Event) (Outcome, error) {
	if m.state != StateCreated {
		return Outcome{}, fmt.Errorf("fsm: START rejected in state %s", m.state)
	}
	if ev.NextStage == "" {
		return Outcome{}, fmt.Errorf("fsm: START requires a first stage")
	}
	m.state = StateRunning
	m.stage = ev.NextStage
	return Outcome{Effect: EffectDispatchStage, Stage: ev.NextStage}, nil
}

func (m *Machine) stageComplete(ev Event) (Outcome, error) {
	if m.state != StateRunning {
		return Outcome{}, fmt.Errorf("fsm: STAGE_COMPLETE rejected in state %s", m.state)
	}
	if ev.Stage != m.stage {
		return Outcome{}, fmt.Errorf("%w: event stage %q, current stage %q",
			workflow.ErrStaleResult, ev.Stage, m.stage)
	}
	if ev.Terminal {
		m.state = StateCompleted
		return Outcome{Effect: EffectCompleted}, nil
	}
	if ev.NextStage == "" {
		return Outcome{}, fmt.Errorf("fsm: non-terminal STAGE_COMPLETE without next stage")
	}
	m.stage = ev.NextStage
	return Outcome{Effect: EffectDispatchStage, Stage: ev.NextStage}, nil
}

func (m *Machine) stageFailed(ev Event) (Outcome, error) {
	if m.state != StateRunning {
		return Outcome{}, fmt.Errorf("fsm: STAGE_FAILED rejected in state %s", m.state)
	}
	if ev.Stage != m.stage {
		return Outcome{}, fmt.Errorf("%w: event stage %q, current stage %q",
			workflow.ErrStaleResult, ev.Stage, m.stage)
	}
	if ev.Exhausted {
		m.state = StateFailed
		return Outcome{Effect: EffectFailed, Err: ev.Err}, nil
	}
	// Retry budget remains; the stage is re-queued without a state change.
	return Outcome{Effect: EffectRetryStage, Stage: m.stage, Err: ev.Err}, nil
}

func (m *Machine) retry(ev Event) (Outcome, error) {
	if m.state != StateRunning {
		return Outcome{}, fmt.Errorf("fsm: RETRY rejected in state %s", m.state)
	}
	stage := ev.Stage
	if stage == "" {
		stage = m.stage
	}
	if stage != m.stage {
		return Outcome{}, fmt.Errorf("fsm: RETRY for stage %q, current stage %q", stage, m.stage)
	}
	return Outcome{Effect: EffectRetryStage, Stage: m.stage}, nil
}

// pause is idempotent: a repeated pause request for the same id is a no-op.
func (m *Machine) pause(target State, id string) (Outcome, error) {
	if m.state == target && m.pendingID == id {
		return Outcome{Effect: EffectNone}, nil
	}
	if m.state != StateRunning {
		return Outcome{}, fmt.Errorf("fsm: pause rejected in state %s", m.state)
	}
	m.resumeState = m.state
	m.state = target
	m.pendingID = id
	return Outcome{Effect: EffectPaused}, nil
}

func (m *Machine) resume(from State, id string) (Outcome, error) {
	if m.state != from {
		return Outcome{}, fmt.Errorf("fsm: resume rejected in state %s", m.state)
	}
	if id != "" && m.pendingID != "" && id != m.pendingID {
		return Outcome{}, fmt.Errorf("fsm: resume id %q does not match pending %q", id, m.pendingID)
	}
	m.state = m.resumeState
	m.pendingID = ""
	return Outcome{Effect: EffectResumed, Stage: m.stage}, nil
}

func (m *Machine) reject(ev Event) (Outcome, error) {
	if m.state != StatePausedDecision {
		return Outcome{}, fmt.Errorf("fsm: DECISION_REJECTED rejected in state %s", m.state)
	}
	if ev.ID != "" && m.pendingID != "" && ev.ID != m.pendingID {
		return Outcome{}, fmt.Errorf("fsm: rejection id %q does not match pending %q", ev.ID, m.pendingID)
	}
	m.state = StateFailed
	m.pendingID = ""
	return Outcome{Effect: EffectFailed, Err: ev.Reason}, nil
}
