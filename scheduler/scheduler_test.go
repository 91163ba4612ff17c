package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/workflow"
)

// fakeJobStore is an in-memory JobStore.
type fakeJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*workflow.ScheduledJob
	handlers map[string]*workflow.EventHandler
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:     make(map[string]*workflow.ScheduledJob),
		handlers: make(map[string]*workflow.EventHandler),
	}
}

func (f *fakeJobStore) CreateJob(_ context.Context, j *workflow.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (*workflow.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) DueJobs(_ context.Context, now time.Time, limit int) ([]*workflow.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*workflow.ScheduledJob
	for _, j := range f.jobs {
		if j.Status == workflow.JobStatusActive && j.NextRun != nil && !j.NextRun.After(now) {
			cp := *j
			due = append(due, &cp)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (f *fakeJobStore) SetJobNextRun(_ context.Context, id string, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return workflow.ErrNotFound
	}
	j.NextRun = next
	return nil
}

func (f *fakeJobStore) SetJobSchedule(_ context.Context, id, schedule string, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return workflow.ErrNotFound
	}
	j.Schedule = schedule
	j.NextRun = next
	return nil
}

func (f *fakeJobStore) SetJobStatus(_ context.Context, id string, status workflow.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return workflow.ErrNotFound
	}
	j.Status = status
	return nil
}

func (f *fakeJobStore) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) UpsertEventHandler(_ context.Context, h *workflow.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *h
	f.handlers[h.ID] = &cp
	return nil
}

func (f *fakeJobStore) ListEventHandlers(_ context.Context, eventName string) ([]*workflow.EventHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*workflow.EventHandler
	for _, h := range f.handlers {
		if h.EventName == eventName && h.Enabled {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListAllEventHandlers(_ context.Context) ([]*workflow.EventHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*workflow.EventHandler
	for _, h := range f.handlers {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeJobStore) DueRetries(_ context.Context, _ time.Time, _ int) ([]*workflow.JobExecution, error) {
	return nil, nil
}

// fakeRunner records executed jobs.
type fakeRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *fakeRunner) Execute(_ context.Context, job *workflow.ScheduledJob, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, job.ID)
}

func (r *fakeRunner) Retry(_ context.Context, _ *workflow.JobExecution) {}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func newScheduler(t *testing.T) (*Scheduler, *fakeJobStore, *fakeRunner, *bus.Memory) {
	t.Helper()
	st := newFakeJobStore()
	runner := &fakeRunner{}
	mem := bus.NewMemory()
	s := New(Config{TickInterval: 5 * time.Millisecond}, st, mem, runner, slog.Default())
	return s, st, runner, mem
}

func TestScheduleValidatesCron(t *testing.T) {
	s, _, _, _ := newScheduler(t)

	_, err := s.Schedule(context.Background(), JobRequest{Name: "j", Schedule: "not a cron"})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))

	_, err = s.Schedule(context.Background(), JobRequest{Name: "j", Schedule: "* * * * *", Timezone: "Mars/Olympus"})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestScheduleComputesNextRun(t *testing.T) {
	s, st, _, _ := newScheduler(t)

	job, err := s.Schedule(context.Background(), JobRequest{
		Name:        "nightly",
		Schedule:    "0 3 * * *",
		Timezone:    "America/New_York",
		HandlerName: "cleanup",
	})
	require.NoError(t, err)
	require.NotNil(t, job.NextRun)
	assert.True(t, job.NextRun.After(time.Now()))

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.JobStatusActive, stored.Status)
	assert.Equal(t, workflow.JobTypeCron, stored.Type)
}

func TestScheduleOnceRejectsPast(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	_, err := s.ScheduleOnce(context.Background(), time.Now().Add(-time.Minute), JobRequest{Name: "j"})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestScheduleRecurringBoundaries(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	start := time.Now().Add(time.Hour)
	badEnd := start.Add(-time.Minute)

	_, err := s.ScheduleRecurring(context.Background(), JobRequest{
		Name: "j", Schedule: "* * * * *", StartDate: &start, EndDate: &badEnd,
	})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))

	pastEnd := time.Now().Add(-time.Hour)
	_, err = s.ScheduleRecurring(context.Background(), JobRequest{
		Name: "j", Schedule: "* * * * *", EndDate: &pastEnd,
	})
	require.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	s, st, _, _ := newScheduler(t)
	ctx := context.Background()

	job, err := s.Schedule(ctx, JobRequest{Name: "j", Schedule: "* * * * *", HandlerName: "h"})
	require.NoError(t, err)

	require.NoError(t, s.Pause(ctx, job.ID))
	stored, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, workflow.JobStatusPaused, stored.Status)

	require.NoError(t, s.Resume(ctx, job.ID))
	stored, _ = st.GetJob(ctx, job.ID)
	assert.Equal(t, workflow.JobStatusActive, stored.Status)
	assert.NotNil(t, stored.NextRun)

	// Resuming an active job is a validation error.
	err = s.Resume(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestRescheduleRejectsOneTime(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	ctx := context.Background()

	job, err := s.ScheduleOnce(ctx, time.Now().Add(time.Hour), JobRequest{Name: "j"})
	require.NoError(t, err)

	err = s.Reschedule(ctx, job.ID, "* * * * *")
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestTickFiresDueJobs(t *testing.T) {
	s, st, runner, mem := newScheduler(t)
	ctx := context.Background()

	job, err := s.Schedule(ctx, JobRequest{Name: "j", Schedule: "* * * * *", HandlerName: "h"})
	require.NoError(t, err)

	// Force the job due now.
	due := time.Now().Add(-time.Second)
	require.NoError(t, st.SetJobNextRun(ctx, job.ID, &due))

	s.tick(ctx, time.Now())

	assert.Equal(t, 1, runner.count())
	assert.Equal(t, 1, mem.StreamLen(workflow.JobDispatchStream))

	// next_run advanced, the same tick does not refire.
	stored, _ := st.GetJob(ctx, job.ID)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.After(time.Now()))

	s.tick(ctx, time.Now())
	assert.Equal(t, 1, runner.count())
}

func TestOneTimeJobFiresOnce(t *testing.T) {
	s, st, runner, _ := newScheduler(t)
	ctx := context.Background()

	job, err := s.ScheduleOnce(ctx, time.Now().Add(10*time.Millisecond), JobRequest{Name: "j"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.tick(ctx, time.Now())
	require.Equal(t, 1, runner.count())

	stored, _ := st.GetJob(ctx, job.ID)
	assert.Nil(t, stored.NextRun)

	s.tick(ctx, time.Now())
	assert.Equal(t, 1, runner.count())
}

func TestExhaustedRecurringJobCancelled(t *testing.T) {
	s, st, runner, _ := newScheduler(t)
	ctx := context.Background()

	job, err := s.ScheduleRecurring(ctx, JobRequest{
		Name: "j", Schedule: "* * * * *", MaxExec: 2, HandlerName: "h",
	})
	require.NoError(t, err)

	st.mu.Lock()
	st.jobs[job.ID].Stats.ExecutionsCount = 2
	due := time.Now().Add(-time.Second)
	st.jobs[job.ID].NextRun = &due
	st.mu.Unlock()

	s.tick(ctx, time.Now())

	assert.Equal(t, 0, runner.count())
	stored, _ := st.GetJob(ctx, job.ID)
	assert.Equal(t, workflow.JobStatusCancelled, stored.Status)
}

func TestLifecycleEventsPublished(t *testing.T) {
	s, _, _, mem := newScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	topics := map[string]int{}
	for _, topic := range []string{
		workflow.JobCreatedTopic, workflow.JobPausedTopic,
		workflow.JobResumedTopic, workflow.JobDeletedTopic,
	} {
		topic := topic
		_, err := mem.Subscribe(ctx, topic, func(_ context.Context, _ bus.Message) error {
			mu.Lock()
			topics[topic]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	job, err := s.Schedule(ctx, JobRequest{Name: "j", Schedule: "* * * * *", HandlerName: "h"})
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, job.ID))
	require.NoError(t, s.Resume(ctx, job.ID))
	require.NoError(t, s.Unschedule(ctx, job.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, topics[workflow.JobCreatedTopic])
	assert.Equal(t, 1, topics[workflow.JobPausedTopic])
	assert.Equal(t, 1, topics[workflow.JobResumedTopic])
	assert.Equal(t, 1, topics[workflow.JobDeletedTopic])
}

func TestOnEventAndTrigger(t *testing.T) {
	s, st, _, _ := newScheduler(t)
	ctx := context.Background()

	cfg, _ := json.Marshal(JobRequest{
		Name:        "deploy-on-release",
		Schedule:    "*/5 * * * *",
		HandlerName: "deploy",
	})
	require.NoError(t, s.OnEvent(ctx, &workflow.EventHandler{
		EventName:    "release.tagged",
		HandlerName:  "deploy-on-release",
		Enabled:      true,
		ActionType:   workflow.EventActionCreateJob,
		ActionConfig: cfg,
	}))

	require.NoError(t, s.TriggerEvent(ctx, "release.tagged", []byte(`{"tag":"v1.2.3"}`)))

	// The create_job action ran synchronously on the memory bus.
	st.mu.Lock()
	created := 0
	for _, j := range st.jobs {
		if j.Name == "deploy-on-release" {
			created++
		}
	}
	st.mu.Unlock()
	assert.Equal(t, 1, created)
}

func TestOnEventValidation(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	err := s.OnEvent(context.Background(), &workflow.EventHandler{HandlerName: "h", ActionType: workflow.EventActionFunction})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}
