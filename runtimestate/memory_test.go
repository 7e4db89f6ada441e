package runtimestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evaluation "github.com/taloric/df-evaluation"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore(WithRetryInterval(time.Millisecond))
	ctx := context.Background()

	_, err := store.Get(ctx, "c1")
	assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeStateNotFound))

	require.NoError(t, store.Init(ctx, "c1"))
	state, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, InitialState("c1"), state)

	require.NoError(t, SetControl(ctx, store, "c1", StatusCancelled))
	require.NoError(t, store.SetFields(ctx, "c1", Fields{FieldObservedStatus: string(StatusCompleted)}))
	state, err = store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, state.Converged(), "completion counts as convergence")
	assert.True(t, state.Completed())

	require.NoError(t, store.Delete(ctx, "c1"))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore(WithTTL(time.Minute))
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, "c1"))
	assert.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, store.Len())
	_, err := store.Get(ctx, "c1")
	assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeStateNotFound))
}

func TestMemoryLockerLease(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	now := time.Now()
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "l", time.Second, time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := locker.Acquire(ctx, "l", time.Second, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)

	ok, _ := locker.Release(ctx, "l", stale)
	assert.False(t, ok)
	ok, _ = locker.Release(ctx, "l", fresh)
	assert.True(t, ok)
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	locker := NewMemoryLocker(WithRetryInterval(time.Millisecond))
	_, err := locker.Acquire(context.Background(), "l", time.Second, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "l", time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStoreConcurrentWritersSerialize(t *testing.T) {
	firstWrite := make(chan struct{})
	var once sync.Once
	store := NewMemoryStore(WithRetryInterval(time.Millisecond), WithWriteHook(func(_, _ string) {
		once.Do(func() {
			close(firstWrite)
			time.Sleep(100 * time.Millisecond)
		})
	}))
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "c1"))

	go func() {
		_ = store.SetFields(ctx, "c1", Fields{
			FieldControlStatus: string(StatusPaused),
			FieldRunnerStatus:  string(StatusRunning),
		})
	}()
	<-firstWrite

	require.NoError(t, store.SetFields(ctx, "c1", Fields{FieldObservedStatus: string(StatusPaused)}))
	state, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, state.ControlStatus)
	assert.Equal(t, StatusRunning, state.RunnerStatus)
	assert.Equal(t, StatusPaused, state.ObservedStatus)
}
