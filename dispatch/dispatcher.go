// Package dispatch routes agent envelopes onto the bus and feeds agent
// results back to the engine. Dispatches are keyed by workflow id so the
// bus serializes them per workflow; results arrive through a single durable
// consumer group shared by every orchestrator worker.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/workflow"
)

// ResultHandler receives each raw message from the result topic. Errors
// requeue the message.
type ResultHandler func(ctx context.Context, data []byte) error

// Dispatcher publishes agent task envelopes and owns the result
// subscription.
type Dispatcher struct {
	bus      bus.Bus
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	handler ResultHandler
	sub     bus.Subscription

	dispatched atomic.Int64
	received   atomic.Int64
}

// New builds a Dispatcher. The registry may be nil when no agent liveness
// tracking is wanted.
func New(b bus.Bus, registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:      b,
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch publishes an envelope to the agent type's topic, mirrored to its
// durable stream. A publish failure is returned to the caller unwrapped in
// retry machinery; the caller decides whether the stage fails.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	topic := workflow.AgentTaskTopic(env.AgentType)
	stream := workflow.AgentTaskStream(env.AgentType)

	if d.registry != nil {
		live, err := d.registry.LiveAgents(ctx, env.AgentType)
		if err != nil {
			d.logger.Warn("agent registry unavailable", "error", err)
		} else if live == 0 {
			d.logger.Warn("no live agents for type, dispatching anyway",
				"agent_type", env.AgentType,
				"workflow_id", env.WorkflowID,
				"task_id", env.TaskID)
		}
	}

	if err := d.bus.PublishMirrored(ctx, topic, stream, env.WorkflowID, data); err != nil {
		return fmt.Errorf("dispatch to %s: %w", topic, err)
	}
	d.dispatched.Add(1)
	d.logger.Info("task dispatched",
		"agent_type", env.AgentType,
		"workflow_id", env.WorkflowID,
		"task_id", env.TaskID,
		"stage", env.Stage)
	return nil
}

// OnResult registers the handler invoked for every message on the result
// topic. Must be called before Start.
func (d *Dispatcher) OnResult(h ResultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Start binds the durable result consumer. Every orchestrator worker joins
// the same group, so each result is processed by exactly one worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return fmt.Errorf("dispatcher: no result handler registered")
	}
	if d.sub != nil {
		return fmt.Errorf("dispatcher: already started")
	}
	sub, err := d.bus.GroupSubscribe(ctx, workflow.ResultTopic, workflow.ResultConsumerGroup,
		func(ctx context.Context, msg bus.Message) error {
			d.received.Add(1)
			return d.handler(ctx, msg.Data)
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", workflow.ResultTopic, err)
	}
	d.sub = sub
	d.logger.Info("result consumer started",
		"topic", workflow.ResultTopic,
		"group", workflow.ResultConsumerGroup)
	return nil
}

// Stop drains the result subscription and stops dispatching.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain result consumer: %w", err)
	}
	d.logger.Info("dispatcher stopped",
		"dispatched", d.dispatched.Load(),
		"results_received", d.received.Load())
	return nil
}

// Dispatched returns the number of envelopes published since start.
func (d *Dispatcher) Dispatched() int64 { return d.dispatched.Load() }

// Received returns the number of result messages delivered since start.
func (d *Dispatcher) Received() int64 { return d.received.Load() }
