// Package scheduler manages cron, one-shot, and recurring jobs: submission
// with cron validation, lifecycle operations, the due-job tick loop, and
// event-bound handlers. Execution itself is delegated to a Runner.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/workflow"
)

// JobStore is the persistence surface the scheduler consumes; *store.Store
// implements it.
type JobStore interface {
	CreateJob(ctx context.Context, j *workflow.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*workflow.ScheduledJob, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*workflow.ScheduledJob, error)
	SetJobNextRun(ctx context.Context, id string, next *time.Time) error
	SetJobSchedule(ctx context.Context, id, schedule string, next *time.Time) error
	SetJobStatus(ctx context.Context, id string, status workflow.JobStatus) error
	DeleteJob(ctx context.Context, id string) error

	UpsertEventHandler(ctx context.Context, h *workflow.EventHandler) error
	ListEventHandlers(ctx context.Context, eventName string) ([]*workflow.EventHandler, error)
	ListAllEventHandlers(ctx context.Context) ([]*workflow.EventHandler, error)

	DueRetries(ctx context.Context, now time.Time, limit int) ([]*workflow.JobExecution, error)
}

// Runner executes one job fire; *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, job *workflow.ScheduledJob, scheduledAt time.Time)
	Retry(ctx context.Context, execution *workflow.JobExecution)
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often due jobs are polled.
	TickInterval time.Duration
	// BatchSize bounds how many due jobs one tick claims.
	BatchSize int
	// SubscribeTimeout bounds a lazy event subscription attempt.
	SubscribeTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		BatchSize:        50,
		SubscribeTimeout: 3 * time.Second,
	}
}

// JobRequest is a validated job submission. It also doubles as the decoded
// action config of create_job event handlers.
type JobRequest struct {
	Name         string               `json:"name"`
	Schedule     string               `json:"schedule,omitempty"`
	Timezone     string               `json:"timezone,omitempty"`
	StartDate    *time.Time           `json:"start_date,omitempty"`
	EndDate      *time.Time           `json:"end_date,omitempty"`
	MaxExec      int64                `json:"max_executions,omitempty"`
	HandlerName  string               `json:"handler_name"`
	HandlerType  workflow.HandlerType `json:"handler_type,omitempty"`
	Payload      json.RawMessage      `json:"payload,omitempty"`
	MaxRetries   int                  `json:"max_retries,omitempty"`
	RetryDelayMS int64                `json:"retry_delay_ms,omitempty"`
	TimeoutMS    int64                `json:"timeout_ms,omitempty"`
	Priority     workflow.Priority    `json:"priority,omitempty"`
	PlatformID   string               `json:"platform_id,omitempty"`
}

// Scheduler owns job lifecycle and the tick loop.
type Scheduler struct {
	cfg    Config
	store  JobStore
	bus    bus.Bus
	runner Runner
	logger *slog.Logger

	mu       sync.Mutex
	eventSub map[string]bus.Subscription

	stop chan struct{}
	done chan struct{}
}

// New wires a Scheduler.
func New(cfg Config, st JobStore, b bus.Bus, runner Runner, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		bus:      b,
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		eventSub: make(map[string]bus.Subscription),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// parseSchedule validates a cron expression in the job's timezone and
// returns its schedule.
func parseSchedule(expr, timezone string) (cron.Schedule, error) {
	if expr == "" {
		return nil, workflow.NewValidationError("schedule", "cron expression is required")
	}
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, workflow.NewValidationError("timezone", "unknown timezone %q", timezone)
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, workflow.NewValidationError("schedule", "invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// Schedule creates a cron job firing on the given expression.
func (s *Scheduler) Schedule(ctx context.Context, req JobRequest) (*workflow.ScheduledJob, error) {
	sched, err := parseSchedule(req.Schedule, req.Timezone)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now())
	job := s.newJob(req, workflow.JobTypeCron)
	job.NextRun = &next
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, workflow.JobCreatedTopic, job)
	return job, nil
}

// ScheduleOnce creates a job firing exactly once at the given instant.
func (s *Scheduler) ScheduleOnce(ctx context.Context, at time.Time, req JobRequest) (*workflow.ScheduledJob, error) {
	if !at.After(time.Now()) {
		return nil, workflow.NewValidationError("at", "fire time %s is in the past", at.Format(time.RFC3339))
	}
	job := s.newJob(req, workflow.JobTypeOneTime)
	job.NextRun = &at
	job.MaxExecutions = 1
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, workflow.JobCreatedTopic, job)
	return job, nil
}

// ScheduleRecurring creates a cron job bounded by a start date, optional
// end date, and optional execution cap.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, req JobRequest) (*workflow.ScheduledJob, error) {
	sched, err := parseSchedule(req.Schedule, req.Timezone)
	if err != nil {
		return nil, err
	}
	if req.EndDate != nil {
		if req.StartDate != nil && !req.EndDate.After(*req.StartDate) {
			return nil, workflow.NewValidationError("end_date", "end date must be after start date")
		}
		if !req.EndDate.After(time.Now()) {
			return nil, workflow.NewValidationError("end_date", "end date is in the past")
		}
	}
	if req.MaxExec < 0 {
		return nil, workflow.NewValidationError("max_executions", "must be non-negative")
	}

	from := time.Now()
	if req.StartDate != nil && req.StartDate.After(from) {
		from = *req.StartDate
	}
	next := sched.Next(from)
	job := s.newJob(req, workflow.JobTypeRecurring)
	job.NextRun = &next
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.publishLifecycle(ctx, workflow.JobCreatedTopic, job)
	return job, nil
}

// Reschedule replaces a job's cron expression and recomputes its next run.
func (s *Scheduler) Reschedule(ctx context.Context, id, expr string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Type == workflow.JobTypeOneTime {
		return workflow.NewValidationError("type", "one-time jobs cannot be rescheduled")
	}
	sched, err := parseSchedule(expr, job.Timezone)
	if err != nil {
		return err
	}
	next := sched.Next(time.Now())
	if err := s.store.SetJobSchedule(ctx, id, expr, &next); err != nil {
		return err
	}
	job.Schedule = expr
	job.NextRun = &next
	s.publishLifecycle(ctx, workflow.JobUpdatedTopic, job)
	return nil
}

// Unschedule deletes a job and its pending fires.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.publishLifecycle(ctx, workflow.JobDeletedTopic, job)
	return nil
}

// Pause stops a job from firing until resumed.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, workflow.JobStatusPaused, workflow.JobPausedTopic)
}

// Resume reactivates a paused job and recomputes its next run.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != workflow.JobStatusPaused {
		return workflow.NewValidationError("status", "job is %s, not paused", job.Status)
	}
	if job.Schedule != "" {
		sched, err := parseSchedule(job.Schedule, job.Timezone)
		if err != nil {
			return err
		}
		next := sched.Next(time.Now())
		if err := s.store.SetJobNextRun(ctx, id, &next); err != nil {
			return err
		}
	}
	return s.setStatus(ctx, id, workflow.JobStatusActive, workflow.JobResumedTopic)
}

// CancelJob permanently deactivates a job.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, workflow.JobStatusCancelled, workflow.JobCancelledTopic)
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status workflow.JobStatus, topic string) error {
	if err := s.store.SetJobStatus(ctx, id, status); err != nil {
		return err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.publishLifecycle(ctx, topic, job)
	return nil
}

func (s *Scheduler) newJob(req JobRequest, jobType workflow.JobType) *workflow.ScheduledJob {
	priority := req.Priority
	if priority == "" {
		priority = workflow.PriorityMedium
	}
	handlerType := req.HandlerType
	if handlerType == "" {
		handlerType = workflow.HandlerTypeFunction
	}
	timeout := req.TimeoutMS
	if timeout <= 0 {
		timeout = 60000
	}
	retryDelay := req.RetryDelayMS
	if retryDelay <= 0 {
		retryDelay = 1000
	}
	now := time.Now().UTC()
	return &workflow.ScheduledJob{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Type:          jobType,
		Schedule:      req.Schedule,
		Timezone:      req.Timezone,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		MaxExecutions: req.MaxExec,
		HandlerName:   req.HandlerName,
		HandlerType:   handlerType,
		Payload:       req.Payload,
		MaxRetries:    req.MaxRetries,
		RetryDelayMS:  retryDelay,
		TimeoutMS:     timeout,
		Priority:      priority,
		Status:        workflow.JobStatusActive,
		PlatformID:    req.PlatformID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Run drives the tick loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "tick", s.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// Stop halts the tick loop and drains event subscriptions.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, sub := range s.eventSub {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("drain event subscription", "event", name, "error", err)
		}
		delete(s.eventSub, name)
	}
}

// tick claims due jobs and due retries and hands them to the runner.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	jobs, err := s.store.DueJobs(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("poll due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.fire(ctx, job, now)
	}

	retries, err := s.store.DueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("poll due retries", "error", err)
		return
	}
	for _, exec := range retries {
		s.runner.Retry(ctx, exec)
	}
}

// fire advances a job's next_run before executing so a crash mid-execution
// cannot double-fire on restart.
func (s *Scheduler) fire(ctx context.Context, job *workflow.ScheduledJob, now time.Time) {
	if job.Type == workflow.JobTypeRecurring && job.Exhausted(now) {
		if err := s.store.SetJobStatus(ctx, job.ID, workflow.JobStatusCancelled); err != nil {
			s.logger.Error("cancel exhausted job", "job_id", job.ID, "error", err)
			return
		}
		job.Status = workflow.JobStatusCancelled
		s.publishLifecycle(ctx, workflow.JobCancelledTopic, job)
		return
	}

	var next *time.Time
	if job.Type != workflow.JobTypeOneTime && job.Schedule != "" {
		sched, err := parseSchedule(job.Schedule, job.Timezone)
		if err != nil {
			s.logger.Error("stored schedule no longer parses", "job_id", job.ID, "error", err)
			return
		}
		n := sched.Next(now)
		next = &n
	}
	if err := s.store.SetJobNextRun(ctx, job.ID, next); err != nil {
		s.logger.Error("advance next run", "job_id", job.ID, "error", err)
		return
	}

	dispatch := workflow.SchedulerEvent{
		JobID:     job.ID,
		JobName:   job.Name,
		Timestamp: now.UTC(),
	}
	if data, err := json.Marshal(dispatch); err == nil {
		if err := s.bus.PublishMirrored(ctx, workflow.JobDispatchTopic,
			workflow.JobDispatchStream, job.ID, data); err != nil {
			s.logger.Warn("publish job dispatch", "job_id", job.ID, "error", err)
		}
	}

	scheduledAt := now
	if job.NextRun != nil {
		scheduledAt = *job.NextRun
	}
	go s.runner.Execute(ctx, job, scheduledAt)
}

// publishLifecycle emits a scheduler lifecycle event. Failures are logged;
// lifecycle events are advisory.
func (s *Scheduler) publishLifecycle(ctx context.Context, topic string, job *workflow.ScheduledJob) {
	ev := workflow.SchedulerEvent{
		JobID:     job.ID,
		JobName:   job.Name,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, job.ID, data); err != nil {
		s.logger.Warn("publish lifecycle", "topic", topic, "job_id", job.ID, "error", err)
	}
}

// OnEvent persists a handler bound to a named event and lazily subscribes
// to the event's topic.
func (s *Scheduler) OnEvent(ctx context.Context, h *workflow.EventHandler) error {
	if h.EventName == "" {
		return workflow.NewValidationError("event_name", "event name is required")
	}
	if h.HandlerName == "" {
		return workflow.NewValidationError("handler_name", "handler name is required")
	}
	if !h.ActionType.IsValid() {
		return workflow.NewValidationError("action_type", "unknown action type %q", h.ActionType)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if err := s.store.UpsertEventHandler(ctx, h); err != nil {
		return err
	}
	return s.ensureSubscribed(ctx, h.EventName)
}

// TriggerEvent publishes a named event; bound handlers fire on delivery.
func (s *Scheduler) TriggerEvent(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return workflow.NewValidationError("name", "event name is required")
	}
	return s.bus.Publish(ctx, eventTopic(name), name, data)
}

// ReloadEventHandlers re-binds subscriptions for every persisted handler,
// used at startup and after bus reconnects.
func (s *Scheduler) ReloadEventHandlers(ctx context.Context) error {
	handlers, err := s.store.ListAllEventHandlers(ctx)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		if err := s.ensureSubscribed(ctx, h.EventName); err != nil {
			s.logger.Warn("rebind event subscription", "event", h.EventName, "error", err)
		}
	}
	return nil
}

func eventTopic(name string) string {
	return "scheduler:event." + name
}

// ensureSubscribed binds the event's topic at most once. The attempt is
// bounded by the subscribe timeout so a flapping bus does not wedge the
// caller; the handler stays persisted and reload re-binds it.
func (s *Scheduler) ensureSubscribed(ctx context.Context, eventName string) error {
	s.mu.Lock()
	if _, ok := s.eventSub[eventName]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	defer cancel()
	sub, err := s.bus.Subscribe(subCtx, eventTopic(eventName),
		func(ctx context.Context, msg bus.Message) error {
			s.handleEvent(ctx, eventName, msg.Data)
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribe event %q: %w", eventName, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.eventSub[eventName]; ok {
		_ = sub.Drain()
		return nil
	}
	s.eventSub[eventName] = sub
	return nil
}

// handleEvent fires every enabled handler bound to the event, highest
// priority first. Handler failures are logged and do not stop the rest.
func (s *Scheduler) handleEvent(ctx context.Context, eventName string, data []byte) {
	handlers, err := s.store.ListEventHandlers(ctx, eventName)
	if err != nil {
		s.logger.Error("load event handlers", "event", eventName, "error", err)
		return
	}
	for _, h := range handlers {
		if err := s.runAction(ctx, h, data); err != nil {
			s.logger.Error("event handler failed",
				"event", eventName, "handler", h.HandlerName, "error", err)
		}
	}
}

// runAction executes one event handler's action.
func (s *Scheduler) runAction(ctx context.Context, h *workflow.EventHandler, data []byte) error {
	switch h.ActionType {
	case workflow.EventActionCreateJob:
		var req JobRequest
		if err := json.Unmarshal(h.ActionConfig, &req); err != nil {
			return fmt.Errorf("decode action config: %w", err)
		}
		if req.Payload == nil {
			req.Payload = data
		}
		_, err := s.Schedule(ctx, req)
		return err
	case workflow.EventActionFunction, workflow.EventActionTriggerWorkflow, workflow.EventActionDispatchAgent:
		// Materialize an immediate one-shot job so the execution trail
		// is recorded like any other fire.
		job := s.newJob(JobRequest{
			Name:        h.HandlerName,
			HandlerName: h.HandlerName,
			HandlerType: handlerTypeFor(h.ActionType),
			Payload:     data,
			PlatformID:  derefPlatform(h.PlatformID),
		}, workflow.JobTypeOneTime)
		if err := s.store.CreateJob(ctx, job); err != nil {
			return err
		}
		go s.runner.Execute(ctx, job, time.Now())
		return nil
	default:
		return workflow.NewValidationError("action_type", "unknown action type %q", h.ActionType)
	}
}

func handlerTypeFor(action workflow.EventActionType) workflow.HandlerType {
	switch action {
	case workflow.EventActionTriggerWorkflow:
		return workflow.HandlerTypeWorkflow
	case workflow.EventActionDispatchAgent:
		return workflow.HandlerTypeAgent
	default:
		return workflow.HandlerTypeFunction
	}
}

func derefPlatform(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
