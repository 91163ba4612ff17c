package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestAddMember_SetsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddMember(ctx, "seen:task-1", "abc123", 48*time.Hour))

	ok, err := store.IsMember(ctx, "seen:task-1", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IsMember(ctx, "seen:task-1", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 48*time.Hour, mr.TTL("seen:task-1"))
}

func TestAddMember_ExpiryDropsSet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddMember(ctx, "seen:task-1", "abc123", time.Minute))
	mr.FastForward(2 * time.Minute)

	ok, err := store.IsMember(ctx, "seen:task-1", "abc123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "lock:task:t1", "worker-a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireLock(ctx, "lock:task:t1", "worker-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")
}

func TestReleaseLock_OnlyReleasesOwnToken(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "lock:task:t1", "worker-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder's release must not delete the current holder's lock.
	require.NoError(t, store.ReleaseLock(ctx, "lock:task:t1", "worker-b"))
	assert.True(t, mr.Exists("lock:task:t1"))

	require.NoError(t, store.ReleaseLock(ctx, "lock:task:t1", "worker-a"))
	assert.False(t, mr.Exists("lock:task:t1"))
}

func TestAcquireLock_ExpiresViaTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "lock:task:t1", "worker-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = store.AcquireLock(ctx, "lock:task:t1", "worker-b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable")
}

func TestHashOps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HashSet(ctx, "agents:registry", "agent-1", []byte(`{"type":"scaffold"}`)))
	require.NoError(t, store.HashSet(ctx, "agents:registry", "agent-2", []byte(`{"type":"validation"}`)))

	val, ok, err := store.HashGet(ctx, "agents:registry", "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"scaffold"}`, string(val))

	all, err := store.HashGetAll(ctx, "agents:registry")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.HashDelete(ctx, "agents:registry", "agent-1"))
	_, ok, err = store.HashGet(ctx, "agents:registry", "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetGet_TTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stats:snapshot", []byte(`{"n":1}`), time.Minute))
	val, ok, err := store.Get(ctx, "stats:snapshot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(val))

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, "stats:snapshot")
	require.NoError(t, err)
	assert.False(t, ok)
}
