package transition

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/dispatcher"
	"github.com/taloric/df-evaluation/provisioner"
	"github.com/taloric/df-evaluation/runtimestate"
	"github.com/taloric/df-evaluation/worker"
)

// stack wires the service to a live dispatcher whose cases are answered
// by simulated executors.
type stack struct {
	records *caserecord.MemoryStore
	svc     *Service
	stop    func()
}

func newStack(t *testing.T, ackDelay time.Duration) *stack {
	t.Helper()
	logger := evaluation.NewFmtLogger(&bytes.Buffer{})
	records := caserecord.NewMemoryStore()
	state := runtimestate.NewMemoryStore(runtimestate.WithRetryInterval(time.Millisecond))
	prov := provisioner.NewNoop().WithSimulatedExecutor(state, runtimestate.AgentConfig{
		Interval: 5 * time.Millisecond,
		AckDelay: ackDelay,
	}, logger)

	queue := dispatcher.NewQueue(16)
	registry := dispatcher.NewRegistry()
	dataDir := t.TempDir()
	disp := dispatcher.New(queue, registry, func(p evaluation.CaseParams) *worker.Worker {
		return worker.New(p, records, state, prov,
			worker.WithLogger(logger),
			worker.WithConfig(worker.Config{
				DataDir:             dataDir,
				UnreachableInterval: 5 * time.Millisecond,
				PollInterval:        5 * time.Millisecond,
				ConvergenceInterval: 5 * time.Millisecond,
				MaxAbnormal:         3,
			}))
	}, dispatcher.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = disp.Run(ctx)
	}()

	svc := New(records, queue, WithLogger(logger), WithConfig(Config{
		MaxRunners:   4,
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}))
	return &stack{records: records, svc: svc, stop: func() {
		for _, w := range registry.Snapshot() {
			w.Abort()
		}
		cancel()
		<-done
	}}
}

func (s *stack) waitStatus(t *testing.T, id string, want evaluation.CaseStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := s.records.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func TestCancelConverges(t *testing.T) {
	s := newStack(t, 200*time.Millisecond)
	defer s.stop()
	ctx := context.Background()

	rec, err := s.svc.Submit(ctx, evaluation.CaseParams{CaseName: "cancel-me"})
	require.NoError(t, err)
	s.waitStatus(t, rec.UUID, evaluation.StatusStarted)

	recs, err := s.svc.RequestStatusChange(ctx, []string{rec.UUID}, evaluation.ActionCancel)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, Targets(evaluation.ActionCancel), recs[0].Status)

	s.waitStatus(t, rec.UUID, evaluation.StatusFinished)
	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusStopping,
		evaluation.StatusFinished,
	}, s.records.History(rec.UUID))
}

func TestPauseResumePassThroughProgressStates(t *testing.T) {
	s := newStack(t, 20*time.Millisecond)
	defer s.stop()
	ctx := context.Background()

	rec, err := s.svc.Submit(ctx, evaluation.CaseParams{CaseName: "pause-me"})
	require.NoError(t, err)
	s.waitStatus(t, rec.UUID, evaluation.StatusStarted)

	_, err = s.svc.RequestStatusChange(ctx, []string{rec.UUID}, evaluation.ActionPause)
	require.NoError(t, err)
	s.waitStatus(t, rec.UUID, evaluation.StatusPaused)

	_, err = s.svc.RequestStatusChange(ctx, []string{rec.UUID}, evaluation.ActionResume)
	require.NoError(t, err)
	s.waitStatus(t, rec.UUID, evaluation.StatusStarted)

	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusPausing,
		evaluation.StatusPaused,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
	}, s.records.History(rec.UUID))
}
