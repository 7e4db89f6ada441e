package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/provisioner"
	"github.com/taloric/df-evaluation/runtimestate"
)

const caseID = "0b6f3c2e-5d1a-4e8b-9f00-112233445566"

type harness struct {
	records *caserecord.MemoryStore
	state   *runtimestate.MemoryStore
	prov    *provisioner.Noop
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		records: caserecord.NewMemoryStore(),
		state:   runtimestate.NewMemoryStore(runtimestate.WithRetryInterval(time.Millisecond)),
		prov:    provisioner.NewNoop(),
		cfg: Config{
			DataDir:             t.TempDir(),
			UnreachableInterval: 5 * time.Millisecond,
			PollInterval:        5 * time.Millisecond,
			ConvergenceInterval: 5 * time.Millisecond,
			MaxAbnormal:         3,
			MaxLifetime:         time.Hour,
		},
	}
	params := testParams()
	require.NoError(t, h.records.Create(context.Background(), evaluation.NewCaseRecord(params, time.Now())))
	return h
}

func testParams() evaluation.CaseParams {
	return evaluation.CaseParams{
		UUID:       caseID,
		CaseName:   "performance_analysis_nginx_http",
		ProcessNum: 1,
		Action:     evaluation.ActionCreate,
	}
}

func (h *harness) worker(prov provisioner.Provisioner, opts ...Option) *Worker {
	if prov == nil {
		prov = h.prov
	}
	opts = append([]Option{WithConfig(h.cfg), WithLogger(evaluation.NewFmtLogger(&bytes.Buffer{}))}, opts...)
	return New(testParams(), h.records, h.state, prov, opts...)
}

func (h *harness) status(t *testing.T) evaluation.CaseStatus {
	t.Helper()
	rec, err := h.records.Get(context.Background(), caseID)
	require.NoError(t, err)
	return rec.Status
}

func (h *harness) waitStatus(t *testing.T, want evaluation.CaseStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), caseID)
		return err == nil && rec.Status == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s", want)
}

func (h *harness) setRuntime(t *testing.T, fields runtimestate.Fields) {
	t.Helper()
	require.NoError(t, h.state.SetFields(context.Background(), caseID, fields))
}

// follow acknowledges every control change, like the remote runner.
func (h *harness) follow(ctx context.Context) {
	go func() {
		for ctx.Err() == nil {
			st, err := h.state.Get(ctx, caseID)
			if err == nil && st.ControlStatus != st.ObservedStatus {
				_ = runtimestate.SetObserved(ctx, h.state, caseID, st.ControlStatus)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	collector := &countingCollector{}
	w := h.worker(nil, WithCollectors(collector))
	w.Start(context.Background())

	h.waitStatus(t, evaluation.StatusStarted)
	h.setRuntime(t, runtimestate.Fields{runtimestate.FieldRunnerStatus: string(runtimestate.StatusCompleted)})
	waitDone(t, w)

	require.NoError(t, w.Err())
	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusStopping,
		evaluation.StatusFinished,
	}, h.records.History(caseID))
	assert.Equal(t, int32(1), collector.calls.Load())
	assert.Equal(t, 1, h.prov.Created(caseID))
	assert.DirExists(t, w.Dirs().Report)
	assert.DirExists(t, w.Dirs().Tmp)
}

func TestWorkerPauseResumeCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.follow(ctx)

	w := h.worker(nil)
	w.Start(ctx)
	h.waitStatus(t, evaluation.StatusStarted)

	require.NoError(t, w.Signal(evaluation.ActionPause))
	h.waitStatus(t, evaluation.StatusPaused)
	st, err := h.state.Get(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, runtimestate.StatusPaused, st.ControlStatus)

	require.NoError(t, w.Signal(evaluation.ActionResume))
	h.waitStatus(t, evaluation.StatusStarted)

	require.NoError(t, w.Signal(evaluation.ActionCancel))
	waitDone(t, w)

	require.NoError(t, w.Err())
	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusPausing,
		evaluation.StatusPaused,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusStopping,
		evaluation.StatusFinished,
	}, h.records.History(caseID))
}

func TestWorkerConvergenceAcceptsCompletion(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)
	w.Start(context.Background())
	h.waitStatus(t, evaluation.StatusStarted)

	require.NoError(t, w.Signal(evaluation.ActionPause))
	h.waitStatus(t, evaluation.StatusPausing)
	h.setRuntime(t, runtimestate.Fields{
		runtimestate.FieldObservedStatus: string(runtimestate.StatusCompleted),
		runtimestate.FieldRunnerStatus:   string(runtimestate.StatusCompleted),
	})
	waitDone(t, w)

	require.NoError(t, w.Err())
	assert.Equal(t, evaluation.StatusFinished, h.status(t))
}

func TestSignalMailboxOverwrites(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)

	require.NoError(t, w.Signal(evaluation.ActionPause))
	require.NoError(t, w.Signal(evaluation.ActionCancel))
	action, ok := w.Pending()
	require.True(t, ok)
	assert.Equal(t, evaluation.ActionCancel, action)

	assert.Equal(t, evaluation.ActionCancel, w.takeSignal())
	_, ok = w.Pending()
	assert.False(t, ok)

	err := w.Signal(evaluation.ActionCreate)
	assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeInvalidAction))
}

type flakyProvisioner struct {
	*provisioner.Noop
	mu        sync.Mutex
	reachable []bool
	createErr error
}

func (f *flakyProvisioner) Create(ctx context.Context, p evaluation.CaseParams) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Noop.Create(ctx, p)
}

func (f *flakyProvisioner) IsReachable(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reachable) == 0 {
		return false, nil
	}
	next := f.reachable[0]
	if len(f.reachable) > 1 {
		f.reachable = f.reachable[1:]
	}
	return next, nil
}

func TestWorkerMarksPendingWhileUnreachable(t *testing.T) {
	h := newHarness(t)
	prov := &flakyProvisioner{Noop: provisioner.NewNoop(), reachable: []bool{true, false, false, true}}
	w := h.worker(prov)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		hist := h.records.History(caseID)
		return len(hist) >= 5
	}, 2*time.Second, 2*time.Millisecond)
	h.setRuntime(t, runtimestate.Fields{runtimestate.FieldRunnerStatus: string(runtimestate.StatusCompleted)})
	waitDone(t, w)

	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusPending,
		evaluation.StatusStarted,
		evaluation.StatusStopping,
		evaluation.StatusFinished,
	}, h.records.History(caseID))
}

// switchProvisioner reports reachability from a flag and counts checks.
type switchProvisioner struct {
	*provisioner.Noop
	down   atomic.Bool
	checks atomic.Int32
}

func (s *switchProvisioner) IsReachable(context.Context, string) (bool, error) {
	s.checks.Add(1)
	return !s.down.Load(), nil
}

func TestWorkerPausedSurvivesUnreachableBlip(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAbnormal = 1000
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.follow(ctx)

	prov := &switchProvisioner{Noop: provisioner.NewNoop()}
	w := h.worker(prov)
	w.Start(ctx)
	h.waitStatus(t, evaluation.StatusStarted)

	require.NoError(t, w.Signal(evaluation.ActionPause))
	h.waitStatus(t, evaluation.StatusPaused)

	prov.down.Store(true)
	seen := prov.checks.Load()
	require.Eventually(t, func() bool { return prov.checks.Load() >= seen+3 }, 2*time.Second, 2*time.Millisecond)
	prov.down.Store(false)
	seen = prov.checks.Load()
	require.Eventually(t, func() bool { return prov.checks.Load() >= seen+3 }, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, evaluation.StatusPaused, h.status(t))
	st, err := h.state.Get(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, runtimestate.StatusPaused, st.ControlStatus)

	require.NoError(t, w.Signal(evaluation.ActionResume))
	h.waitStatus(t, evaluation.StatusStarted)
	require.NoError(t, w.Signal(evaluation.ActionCancel))
	waitDone(t, w)

	require.NoError(t, w.Err())
	assert.Equal(t, []evaluation.CaseStatus{
		evaluation.StatusInit,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusPausing,
		evaluation.StatusPaused,
		evaluation.StatusStarting,
		evaluation.StatusStarted,
		evaluation.StatusStopping,
		evaluation.StatusFinished,
	}, h.records.History(caseID))
}

func TestWorkerErrorsAfterTooManyUnreachableChecks(t *testing.T) {
	h := newHarness(t)
	prov := &flakyProvisioner{Noop: provisioner.NewNoop(), reachable: []bool{false}}
	w := h.worker(prov)
	w.Start(context.Background())
	waitDone(t, w)

	assert.True(t, evaluation.HasCode(w.Err(), evaluation.ErrCodeEnvironmentUnreachable))
	assert.Equal(t, evaluation.StatusError, h.status(t))
}

func TestWorkerProvisionFailureIsError(t *testing.T) {
	h := newHarness(t)
	prov := &flakyProvisioner{Noop: provisioner.NewNoop(), createErr: errors.New("helm exploded")}
	w := h.worker(prov)
	w.Start(context.Background())
	waitDone(t, w)

	require.Error(t, w.Err())
	assert.Equal(t, evaluation.StatusError, h.status(t))
}

func TestWorkerAbortLeavesRecordAlone(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)
	w.Start(context.Background())
	h.waitStatus(t, evaluation.StatusStarted)

	w.Abort()
	waitDone(t, w)
	assert.Equal(t, evaluation.StatusStarted, h.status(t))
}

func TestWorkerForceCancelFinishesCase(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)
	w.Start(context.Background())
	h.waitStatus(t, evaluation.StatusStarted)

	w.ForceCancel(context.Background(), time.Second)
	require.True(t, w.Exited())
	assert.Equal(t, evaluation.StatusFinished, h.status(t))

	st, err := h.state.Get(context.Background(), caseID)
	require.NoError(t, err)
	assert.Equal(t, runtimestate.StatusCancelled, st.ControlStatus)
}

func TestWorkerForceCancelWaitsForAcknowledgement(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.follow(ctx)

	w := h.worker(nil)
	w.Start(ctx)
	h.waitStatus(t, evaluation.StatusStarted)

	start := time.Now()
	w.ForceCancel(ctx, 2*time.Second)
	assert.Less(t, time.Since(start), time.Second, "acknowledged cancel must not wait out the grace")
	require.True(t, w.Exited())

	st, err := h.state.Get(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, runtimestate.StatusCancelled, st.ObservedStatus)
	assert.Equal(t, evaluation.StatusFinished, h.status(t))
}

func TestWorkerForceCancelWhilePausingIsError(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)
	w.Start(context.Background())
	h.waitStatus(t, evaluation.StatusStarted)

	// nobody acknowledges the pause, so the worker sits in PAUSING
	require.NoError(t, w.Signal(evaluation.ActionPause))
	h.waitStatus(t, evaluation.StatusPausing)

	w.ForceCancel(context.Background(), time.Second)
	assert.Equal(t, evaluation.StatusError, h.status(t))
}

func TestWorkerTeardownRunsOnce(t *testing.T) {
	h := newHarness(t)
	w := h.worker(nil)
	w.Start(context.Background())
	h.waitStatus(t, evaluation.StatusStarted)
	w.Abort()
	waitDone(t, w)

	w.Teardown(context.Background())
	w.Teardown(context.Background())
	assert.Equal(t, 1, h.prov.Destroyed(caseID))
	assert.Zero(t, h.state.Len())
}

func TestWorkerExpired(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	w := h.worker(nil, WithClock(func() time.Time { return start }))

	assert.False(t, w.Expired(start.Add(59*time.Minute)))
	assert.True(t, w.Expired(start.Add(61*time.Minute)))
}

func TestWorkerRecoversPanic(t *testing.T) {
	h := newHarness(t)
	w := h.worker(panickingProvisioner{})
	w.Start(context.Background())
	waitDone(t, w)

	assert.True(t, evaluation.HasCode(w.Err(), evaluation.ErrCodePanic))
	assert.Equal(t, evaluation.StatusException, h.status(t))
}

type panickingProvisioner struct{}

func (panickingProvisioner) Create(context.Context, evaluation.CaseParams) error { panic("boom") }
func (panickingProvisioner) Destroy(context.Context, string) error               { return nil }
func (panickingProvisioner) IsReachable(context.Context, string) (bool, error)   { return false, nil }

type countingCollector struct {
	calls atomic.Int32
}

func (c *countingCollector) Name() string { return "counting" }

func (c *countingCollector) Collect(context.Context, evaluation.CaseDirs) error {
	c.calls.Add(1)
	return nil
}
