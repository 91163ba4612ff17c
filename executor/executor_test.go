package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/workflow"
)

// fakeExecStore is an in-memory ExecutionStore.
type fakeExecStore struct {
	mu    sync.Mutex
	jobs  map[string]*workflow.ScheduledJob
	execs map[string]*workflow.JobExecution
	logs  map[string][]string
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		jobs:  make(map[string]*workflow.ScheduledJob),
		execs: make(map[string]*workflow.JobExecution),
		logs:  make(map[string][]string),
	}
}

func (f *fakeExecStore) GetJob(_ context.Context, id string) (*workflow.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeExecStore) UpdateJobStats(_ context.Context, id string, stats workflow.JobStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return workflow.ErrNotFound
	}
	j.Stats = stats
	return nil
}

func (f *fakeExecStore) CreateExecution(_ context.Context, e *workflow.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.execs[e.ID] = &cp
	return nil
}

func (f *fakeExecStore) GetExecution(_ context.Context, id string) (*workflow.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExecStore) CompleteExecution(_ context.Context, e *workflow.JobExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.execs[e.ID] = &cp
	return nil
}

func (f *fakeExecStore) ClearRetry(_ context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.execs[executionID]; ok {
		e.NextRetryAt = nil
	}
	return nil
}

func (f *fakeExecStore) AppendExecutionLog(_ context.Context, executionID, level, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[executionID] = append(f.logs[executionID], level+": "+message)
	return nil
}

// single returns the only execution in the store.
func (f *fakeExecStore) single(t *testing.T) *workflow.JobExecution {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.execs, 1)
	for _, e := range f.execs {
		cp := *e
		return &cp
	}
	return nil
}

func testJob(handlerType workflow.HandlerType, handlerName string) *workflow.ScheduledJob {
	return &workflow.ScheduledJob{
		ID:           "job-1",
		Name:         "reindex",
		Type:         workflow.JobTypeCron,
		HandlerName:  handlerName,
		HandlerType:  handlerType,
		Payload:      json.RawMessage(`{"n":1}`),
		MaxRetries:   2,
		RetryDelayMS: 1000,
		TimeoutMS:    5000,
		Priority:     workflow.PriorityMedium,
		Status:       workflow.JobStatusActive,
	}
}

func newExecutor(t *testing.T) (*Executor, *fakeExecStore, *bus.Memory) {
	t.Helper()
	st := newFakeExecStore()
	mem := bus.NewMemory()
	e := New(st, mem, nil, nil, slog.Default())
	return e, st, mem
}

func TestExecuteFunctionSuccess(t *testing.T) {
	e, st, mem := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "reindex")
	st.jobs[job.ID] = job

	e.RegisterHandler("reindex", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"indexed":42}`), nil
	})

	e.Execute(context.Background(), job, time.Now())

	exec := st.single(t)
	assert.Equal(t, workflow.ExecutionSuccess, exec.Status)
	assert.JSONEq(t, `{"indexed":42}`, string(exec.Result))
	assert.NotNil(t, exec.CompletedAt)

	stored, _ := st.GetJob(context.Background(), job.ID)
	assert.Equal(t, int64(1), stored.Stats.ExecutionsCount)
	assert.Equal(t, int64(1), stored.Stats.SuccessCount)

	assert.Equal(t, 1, mem.StreamLen(workflow.JobResultsStream))
}

func TestExecuteUnknownHandlerSchedulesRetry(t *testing.T) {
	e, st, mem := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "missing")
	st.jobs[job.ID] = job

	e.Execute(context.Background(), job, time.Now())

	exec := st.single(t)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "no handler registered")
	require.NotNil(t, exec.NextRetryAt)

	// First retry waits one base delay.
	delta := time.Until(*exec.NextRetryAt)
	assert.InDelta(t, time.Second.Seconds(), delta.Seconds(), 0.5)

	stored, _ := st.GetJob(context.Background(), job.ID)
	assert.Equal(t, int64(1), stored.Stats.FailureCount)
	assert.Equal(t, 1, mem.StreamLen(workflow.JobResultsStream))
}

func TestExecuteExhaustedRetriesPermanentFailure(t *testing.T) {
	e, st, _ := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "flaky")
	st.jobs[job.ID] = job

	e.RegisterHandler("flaky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	prev := &workflow.JobExecution{
		ID:          "exec-0",
		JobID:       job.ID,
		Status:      workflow.ExecutionFailed,
		ScheduledAt: time.Now(),
		RetryCount:  1,
		MaxRetries:  2,
	}
	require.NoError(t, st.CreateExecution(context.Background(), prev))

	e.Retry(context.Background(), prev)

	st.mu.Lock()
	var latest *workflow.JobExecution
	for _, ex := range st.execs {
		if ex.ID != "exec-0" {
			latest = ex
		}
	}
	st.mu.Unlock()
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.RetryCount)
	assert.Equal(t, workflow.ExecutionFailed, latest.Status)
	assert.Nil(t, latest.NextRetryAt)
}

func TestExecuteTimeout(t *testing.T) {
	e, st, _ := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "slow")
	job.TimeoutMS = 20
	st.jobs[job.ID] = job

	e.RegisterHandler("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(time.Second):
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	e.Execute(context.Background(), job, time.Now())

	exec := st.single(t)
	assert.Equal(t, workflow.ExecutionTimeout, exec.Status)
	assert.Contains(t, exec.Error, "deadline exceeded")
}

func TestExecuteHandlerPanicCaptured(t *testing.T) {
	e, st, _ := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "panicky")
	st.jobs[job.ID] = job

	e.RegisterHandler("panicky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("unexpected nil")
	})

	e.Execute(context.Background(), job, time.Now())

	exec := st.single(t)
	assert.Equal(t, workflow.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "handler panicked")
}

func TestExecuteAgentHandler(t *testing.T) {
	st := newFakeExecStore()
	mem := bus.NewMemory()

	var mu sync.Mutex
	var dispatched *envelope.Envelope
	e := New(st, mem, dispatcherFunc(func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		dispatched = env
		mu.Unlock()
		return nil
	}), nil, slog.Default())

	job := testJob(workflow.HandlerTypeAgent, "scaffold")
	st.jobs[job.ID] = job

	e.Execute(context.Background(), job, time.Now())

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, dispatched)
	assert.Equal(t, "scaffold", dispatched.AgentType)
	assert.Equal(t, "scheduled", dispatched.Stage)

	exec := st.single(t)
	assert.Equal(t, workflow.ExecutionSuccess, exec.Status)
}

type dispatcherFunc func(ctx context.Context, env *envelope.Envelope) error

func (f dispatcherFunc) Dispatch(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base    int64
		attempt int
		want    time.Duration
	}{
		{1000, 1, time.Second},
		{1000, 2, 2 * time.Second},
		{1000, 3, 4 * time.Second},
		{5000, 4, 40 * time.Second},
		{1000, 30, time.Hour},
		{0, 1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.base, tt.attempt),
			"base=%d attempt=%d", tt.base, tt.attempt)
	}
}

func TestRollAverage(t *testing.T) {
	assert.Equal(t, int64(100), RollAverage(0, 0, 100))
	assert.Equal(t, int64(150), RollAverage(100, 1, 200))
	assert.Equal(t, int64(110), RollAverage(100, 9, 200))
	// Rounds to nearest, halves up.
	assert.Equal(t, int64(101), RollAverage(100, 2, 102))
	assert.Equal(t, int64(101), RollAverage(100, 1, 101))
	assert.Equal(t, int64(101), RollAverage(100, 3, 102))
}

func TestRetrySkipsInactiveJob(t *testing.T) {
	e, st, _ := newExecutor(t)
	job := testJob(workflow.HandlerTypeFunction, "h")
	job.Status = workflow.JobStatusPaused
	st.jobs[job.ID] = job

	prev := &workflow.JobExecution{
		ID:     "exec-0",
		JobID:  job.ID,
		Status: workflow.ExecutionFailed,
	}
	require.NoError(t, st.CreateExecution(context.Background(), prev))

	e.Retry(context.Background(), prev)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.execs, 1)
}
