package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/envelope"
	"github.com/c360studio/conductor/kv"
	"github.com/c360studio/conductor/workflow"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	b := envelope.NewBuilder("/tmp/out")
	env, err := b.Build(&workflow.Task{
		ID:         "task-1",
		WorkflowID: "wf-1",
		AgentType:  envelope.AgentScaffold,
		Stage:      "scaffolding",
		Status:     workflow.TaskStatusPending,
		MaxRetries: 3,
		TimeoutMS:  60000,
		Priority:   workflow.PriorityHigh,
	}, &workflow.Workflow{
		ID:           "wf-1",
		Type:         workflow.TypeApp,
		Name:         "demo",
		Status:       workflow.StatusRunning,
		CurrentStage: "scaffolding",
	})
	require.NoError(t, err)
	return env
}

func TestDispatchPublishesMirrored(t *testing.T) {
	mem := bus.NewMemory()
	d := New(mem, nil, slog.Default())

	env := testEnvelope(t)

	var mu sync.Mutex
	var got bus.Message
	_, err := mem.Subscribe(context.Background(), workflow.AgentTaskTopic(env.AgentType),
		func(_ context.Context, msg bus.Message) error {
			mu.Lock()
			got = msg
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), env))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "wf-1", got.Key)

	var decoded envelope.Envelope
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	assert.Equal(t, env.TaskID, decoded.TaskID)

	assert.Equal(t, 1, mem.StreamLen(workflow.AgentTaskStream(env.AgentType)))
	assert.Equal(t, int64(1), d.Dispatched())
}

func TestDispatchRejectsInvalidEnvelope(t *testing.T) {
	d := New(bus.NewMemory(), nil, nil)
	err := d.Dispatch(context.Background(), &envelope.Envelope{})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}

func TestResultConsumer(t *testing.T) {
	mem := bus.NewMemory()
	d := New(mem, nil, slog.Default())

	received := make(chan []byte, 1)
	d.OnResult(func(_ context.Context, data []byte) error {
		received <- data
		return nil
	})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	payload := []byte(`{"workflow_id":"wf-1"}`)
	require.NoError(t, mem.Publish(context.Background(), workflow.ResultTopic, "wf-1", payload))

	select {
	case data := <-received:
		assert.Equal(t, payload, data)
	case <-time.After(time.Second):
		t.Fatal("result not delivered")
	}
	assert.Equal(t, int64(1), d.Received())
}

func TestStartWithoutHandler(t *testing.T) {
	d := New(bus.NewMemory(), nil, nil)
	require.Error(t, d.Start(context.Background()))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedis(client)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store)
}

func TestRegistryLiveAgents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, AgentInfo{
		AgentID:   "scaffold-1",
		AgentType: "scaffold",
		Status:    "idle",
		LastSeen:  time.Now(),
	}))
	require.NoError(t, r.Register(ctx, AgentInfo{
		AgentID:   "scaffold-2",
		AgentType: "scaffold",
		Status:    "idle",
		LastSeen:  time.Now().Add(-time.Hour),
	}))
	require.NoError(t, r.Register(ctx, AgentInfo{
		AgentID:   "e2e-1",
		AgentType: "e2e",
		Status:    "busy",
		LastSeen:  time.Now(),
	}))

	live, err := r.LiveAgents(ctx, "scaffold")
	require.NoError(t, err)
	assert.Equal(t, 1, live)

	require.NoError(t, r.Deregister(ctx, "scaffold-1"))
	live, err = r.LiveAgents(ctx, "scaffold")
	require.NoError(t, err)
	assert.Equal(t, 0, live)
}

func TestRegistryRequiresAgentID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(context.Background(), AgentInfo{AgentType: "scaffold"})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))
}
