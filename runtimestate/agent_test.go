package runtimestate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentFollowsControlStatus(t *testing.T) {
	store := NewMemoryStore(WithRetryInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := NewAgent(store, "case-1", AgentConfig{Interval: 5 * time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	// the agent waits for the entry to exist
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Init(ctx, "case-1"))

	require.Eventually(t, func() bool {
		st, err := store.Get(ctx, "case-1")
		return err == nil && st.ObservedStatus == StatusRunning && st.RunnerStatus == StatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, SetControl(ctx, store, "case-1", StatusPaused))
	require.Eventually(t, func() bool {
		st, err := store.Get(ctx, "case-1")
		return err == nil && st.Converged() && st.ObservedStatus == StatusPaused
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, SetControl(ctx, store, "case-1", StatusCancelled))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after cancel")
	}

	st, err := store.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.ObservedStatus)
	assert.Equal(t, StatusCompleted, st.RunnerStatus)
	assert.True(t, st.Completed())
}

func TestAgentCompletesAfterRunFor(t *testing.T) {
	store := NewMemoryStore(WithRetryInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.Init(ctx, "case-2"))

	agent := NewAgent(store, "case-2", AgentConfig{Interval: 5 * time.Millisecond, RunFor: 30 * time.Millisecond}, nil)
	require.NoError(t, agent.Run(ctx))

	st, err := store.Get(ctx, "case-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.ObservedStatus)
	assert.Equal(t, StatusCompleted, st.RunnerStatus)
}

func TestAgentStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := NewAgent(store, "missing", AgentConfig{Interval: 5 * time.Millisecond}, nil).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
