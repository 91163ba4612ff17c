// Package executor runs scheduled job fires: handler resolution, the
// timeout race, the retry pipeline with exponential backoff, rolling stats,
// and execution result publishing.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/workflow"
)

// Backoff caps mirror the scheduler's contract: delays double per attempt
// and never exceed one hour.
const (
	backoffMultiplier = 2
	maxRetryDelayMS   = 3_600_000
)

// ExecutionStore is the persistence surface the executor consumes;
// *store.Store implements it.
type ExecutionStore interface {
	GetJob(ctx context.Context, id string) (*workflow.ScheduledJob, error)
	UpdateJobStats(ctx context.Context, id string, stats workflow.JobStats) error

	CreateExecution(ctx context.Context, e *workflow.JobExecution) error
	GetExecution(ctx context.Context, id string) (*workflow.JobExecution, error)
	CompleteExecution(ctx context.Context, e *workflow.JobExecution) error
	ClearRetry(ctx context.Context, executionID string) error
	AppendExecutionLog(ctx context.Context, executionID, level, message string) error
}

// HandlerFunc is an in-process job handler. The returned bytes become the
// execution's result.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// AgentDispatcher publishes agent envelopes; *dispatch.Dispatcher
// implements it.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) error
}

// WorkflowCreator starts workflows from job payloads; *engine.Service
// implements it.
type WorkflowCreator interface {
	Create(ctx context.Context, req *workflow.CreateRequest) (*workflow.Workflow, error)
}

// Executor runs job fires. Safe for concurrent use.
type Executor struct {
	store      ExecutionStore
	bus        bus.Bus
	dispatcher AgentDispatcher
	workflows  WorkflowCreator
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New wires an Executor. dispatcher and workflows may be nil when agent or
// workflow handlers are not used.
func New(st ExecutionStore, b bus.Bus, dispatcher AgentDispatcher, workflows WorkflowCreator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		bus:        b,
		dispatcher: dispatcher,
		workflows:  workflows,
		logger:     logger.With("component", "executor"),
		handlers:   make(map[string]HandlerFunc),
	}
}

// RegisterHandler binds a named in-process handler.
func (e *Executor) RegisterHandler(name string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Execute runs one fire of a job: create the execution row, race the
// resolved handler against the job's timeout, then record the outcome.
func (e *Executor) Execute(ctx context.Context, job *workflow.ScheduledJob, scheduledAt time.Time) {
	now := time.Now().UTC()
	exec := &workflow.JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Status:      workflow.ExecutionRunning,
		ScheduledAt: scheduledAt,
		StartedAt:   &now,
		MaxRetries:  job.MaxRetries,
		TraceID:     uuid.NewString(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("create execution", "job_id", job.ID, "error", err)
		return
	}
	e.appendLog(ctx, exec.ID, "info", fmt.Sprintf("execution started for job %s", job.Name))

	result, runErr := e.runWithTimeout(ctx, job)
	e.finish(ctx, job, exec, result, runErr)
}

// Retry re-runs a previously failed execution once its backoff delay has
// elapsed.
func (e *Executor) Retry(ctx context.Context, prev *workflow.JobExecution) {
	if err := e.store.ClearRetry(ctx, prev.ID); err != nil {
		e.logger.Error("claim retry", "execution_id", prev.ID, "error", err)
		return
	}
	job, err := e.store.GetJob(ctx, prev.JobID)
	if err != nil {
		e.logger.Error("load job for retry", "job_id", prev.JobID, "error", err)
		return
	}
	if job.Status != workflow.JobStatusActive {
		e.appendLog(ctx, prev.ID, "warn", fmt.Sprintf("retry skipped, job is %s", job.Status))
		return
	}

	now := time.Now().UTC()
	exec := &workflow.JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Status:      workflow.ExecutionRunning,
		ScheduledAt: prev.ScheduledAt,
		StartedAt:   &now,
		RetryCount:  prev.RetryCount + 1,
		MaxRetries:  prev.MaxRetries,
		TraceID:     prev.TraceID,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("create retry execution", "job_id", job.ID, "error", err)
		return
	}
	e.appendLog(ctx, exec.ID, "info",
		fmt.Sprintf("retry %d/%d for job %s", exec.RetryCount, exec.MaxRetries, job.Name))

	result, runErr := e.runWithTimeout(ctx, job)
	e.finish(ctx, job, exec, result, runErr)
}

// runWithTimeout races the handler against the job's timeout. On expiry the
// handler goroutine is abandoned; its eventual return is discarded.
func (e *Executor) runWithTimeout(ctx context.Context, job *workflow.ScheduledJob) (json.RawMessage, error) {
	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		result, err := e.resolve(runCtx, job)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("execution timed out after %s: %w", timeout, runCtx.Err())
	}
}

// resolve runs the job's handler according to its handler type.
func (e *Executor) resolve(ctx context.Context, job *workflow.ScheduledJob) (json.RawMessage, error) {
	switch job.HandlerType {
	case workflow.HandlerTypeFunction:
		e.mu.RLock()
		h, ok := e.handlers[job.HandlerName]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no handler registered for %q", job.HandlerName)
		}
		return h(ctx, job.Payload)

	case workflow.HandlerTypeAgent:
		if e.dispatcher == nil {
			return nil, fmt.Errorf("agent handler %q with no dispatcher wired", job.HandlerName)
		}
		env, err := e.agentEnvelope(job)
		if err != nil {
			return nil, err
		}
		if err := e.dispatcher.Dispatch(ctx, env); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"dispatched": env.TaskID})

	case workflow.HandlerTypeWorkflow:
		if e.workflows == nil {
			return nil, fmt.Errorf("workflow handler %q with no engine wired", job.HandlerName)
		}
		var req workflow.CreateRequest
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode workflow request: %w", err)
			}
		}
		if req.Name == "" {
			req.Name = job.Name
		}
		if req.Type == "" {
			req.Type = workflow.TypeApp
		}
		req.PlatformID = job.PlatformID
		w, err := e.workflows.Create(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"workflow_id": w.ID})

	default:
		return nil, fmt.Errorf("unknown handler type %q", job.HandlerType)
	}
}

// agentEnvelope wraps a job fire as a standalone agent task.
func (e *Executor) agentEnvelope(job *workflow.ScheduledJob) (*envelope.Envelope, error) {
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &envelope.Envelope{
		ID:              uuid.NewString(),
		Type:            "task",
		WorkflowID:      "job:" + job.ID,
		TaskID:          uuid.NewString(),
		Stage:           "scheduled",
		AgentType:       job.HandlerName,
		Priority:        job.Priority,
		Status:          "pending",
		MaxRetries:      job.MaxRetries,
		TimeoutMS:       job.TimeoutMS,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		TraceID:         uuid.NewString(),
		EnvelopeVersion: envelope.Version,
		Payload:         payload,
	}, nil
}

// finish records the execution outcome, publishes the result event, and
// schedules a retry when budget remains.
func (e *Executor) finish(ctx context.Context, job *workflow.ScheduledJob, exec *workflow.JobExecution, result json.RawMessage, runErr error) {
	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	if exec.StartedAt != nil {
		exec.DurationMS = completed.Sub(*exec.StartedAt).Milliseconds()
	}

	if runErr == nil {
		exec.Status = workflow.ExecutionSuccess
		exec.Result = result
		if err := e.store.CompleteExecution(ctx, exec); err != nil {
			e.logger.Error("record success", "execution_id", exec.ID, "error", err)
		}
		e.appendLog(ctx, exec.ID, "info", "execution succeeded")
		e.publishResult(ctx, workflow.ExecutionSuccessTopic, job, exec)
		e.updateStats(ctx, job, exec, true)
		return
	}

	exec.Status = workflow.ExecutionFailed
	if errors.Is(runErr, context.DeadlineExceeded) {
		exec.Status = workflow.ExecutionTimeout
	}
	exec.Error = runErr.Error()
	exec.ErrorStack = fmt.Sprintf("%+v", runErr)

	if exec.RetryCount < exec.MaxRetries {
		delay := RetryDelay(job.RetryDelayMS, exec.RetryCount+1)
		next := completed.Add(delay)
		exec.NextRetryAt = &next
		if err := e.store.CompleteExecution(ctx, exec); err != nil {
			e.logger.Error("record failure", "execution_id", exec.ID, "error", err)
		}
		e.appendLog(ctx, exec.ID, "warn",
			fmt.Sprintf("execution failed, retry in %s: %v", delay, runErr))
		e.publishResult(ctx, workflow.ExecutionRetryScheduledTopic, job, exec)
	} else {
		if err := e.store.CompleteExecution(ctx, exec); err != nil {
			e.logger.Error("record failure", "execution_id", exec.ID, "error", err)
		}
		e.appendLog(ctx, exec.ID, "error",
			fmt.Sprintf("execution permanently failed: %v", runErr))
		e.publishResult(ctx, workflow.ExecutionFailedTopic, job, exec)
	}
	e.updateStats(ctx, job, exec, false)
}

// RetryDelay computes the backoff before retry attempt n (1-based):
// delay_ms doubled per prior attempt, capped at one hour.
func RetryDelay(baseDelayMS int64, attempt int) time.Duration {
	if baseDelayMS <= 0 {
		baseDelayMS = 1000
	}
	delay := baseDelayMS
	for i := 1; i < attempt; i++ {
		delay *= backoffMultiplier
		if delay >= maxRetryDelayMS {
			delay = maxRetryDelayMS
			break
		}
	}
	if delay > maxRetryDelayMS {
		delay = maxRetryDelayMS
	}
	return time.Duration(delay) * time.Millisecond
}

// RollAverage folds a new duration into a rolling average.
func RollAverage(oldAvg, count, newDuration int64) int64 {
	if count <= 0 {
		return newDuration
	}
	return (oldAvg*count + newDuration + (count+1)/2) / (count + 1)
}

// updateStats maintains the job's rolling counters. Stats updates never
// fail the execution; errors are logged and swallowed.
func (e *Executor) updateStats(ctx context.Context, job *workflow.ScheduledJob, exec *workflow.JobExecution, success bool) {
	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		e.logger.Warn("load job for stats", "job_id", job.ID, "error", err)
		return
	}
	stats := fresh.Stats
	stats.AvgDurationMS = RollAverage(stats.AvgDurationMS, stats.ExecutionsCount, exec.DurationMS)
	stats.ExecutionsCount++
	if success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
	}
	if err := e.store.UpdateJobStats(ctx, job.ID, stats); err != nil {
		e.logger.Warn("update job stats", "job_id", job.ID, "error", err)
	}
}

// publishResult emits the execution outcome, mirrored to the job results
// stream for replay.
func (e *Executor) publishResult(ctx context.Context, topic string, job *workflow.ScheduledJob, exec *workflow.JobExecution) {
	ev := workflow.SchedulerEvent{
		JobID:       job.ID,
		JobName:     job.Name,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		DurationMS:  exec.DurationMS,
		Error:       exec.Error,
		RetryCount:  exec.RetryCount,
		NextRetryAt: exec.NextRetryAt,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.bus.PublishMirrored(ctx, topic, workflow.JobResultsStream, job.ID, data); err != nil {
		e.logger.Warn("publish execution result", "topic", topic, "job_id", job.ID, "error", err)
	}
}

func (e *Executor) appendLog(ctx context.Context, executionID, level, message string) {
	if err := e.store.AppendExecutionLog(ctx, executionID, level, message); err != nil {
		e.logger.Warn("append execution log", "execution_id", executionID, "error", err)
	}
}
