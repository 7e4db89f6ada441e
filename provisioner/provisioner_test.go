package provisioner

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/runtimestate"
	"gopkg.in/yaml.v3"
)

type call struct {
	name string
	args []string
}

func (c call) String() string { return c.name + " " + strings.Join(c.args, " ") }

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (string, error)
}

func (f *fakeExecutor) Run(_ context.Context, name string, args ...string) (string, error) {
	c := call{name: name, args: args}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if f.respond == nil {
		return "", nil
	}
	return f.respond(c)
}

func (f *fakeExecutor) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

const caseID = "3f2a9c1e-7b44-4d2b-9a51-0c6de1f0a7b2"

func testParams() evaluation.CaseParams {
	return evaluation.CaseParams{
		UUID:           caseID,
		CaseName:       "performance_analysis_nginx_http",
		ProcessNum:     2,
		RunnerImageTag: "v6.5",
		Action:         evaluation.ActionCreate,
	}
}

func TestHelmCreateWritesValuesAndInstalls(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{}
	h := NewHelm(Config{
		DataDir: dir,
		RunnerConfig: RunnerConfig{
			ListenPort: 10083,
			Redis:      map[string]any{"host": "redis", "port": 6379},
			DataDir:    dir,
		},
	}, exec, nil)

	require.NoError(t, h.Create(context.Background(), testParams()))

	values := h.ValuesFile(caseID)
	assert.Equal(t, dir+"/runner-"+caseID+"/runner-3f2a9c1e.yaml", values)
	assert.Equal(t, []string{
		"helm repo update evaluation",
		"helm install runner-3f2a9c1e evaluation/evaluation-runner -n evaluation --create-namespace -f " + values,
	}, exec.lines())

	raw, err := os.ReadFile(values)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	rc := doc["runnerConfig"].(map[string]any)
	assert.Equal(t, 10083, rc["listen_port"])
	assert.Equal(t, caseID, rc["case_params"].(map[string]any)["uuid"])
	assert.Equal(t, "v6.5", doc["image"].(map[string]any)["tag"])
}

func TestHelmCreateRetriesThenFails(t *testing.T) {
	exec := &fakeExecutor{respond: func(c call) (string, error) {
		if c.args[0] == "install" {
			return "Error: cluster unreachable", errors.New("exit status 1")
		}
		return "", nil
	}}
	h := NewHelm(Config{DataDir: t.TempDir(), CreateRetries: 2}, exec, nil)

	err := h.Create(context.Background(), testParams())
	require.Error(t, err)
	assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeProvisionerFailed))

	installs := 0
	for _, l := range exec.lines() {
		if strings.HasPrefix(l, "helm install") {
			installs++
		}
	}
	assert.Equal(t, 3, installs)
}

func TestHelmCreateToleratesExistingRelease(t *testing.T) {
	exec := &fakeExecutor{respond: func(c call) (string, error) {
		if c.args[0] == "install" {
			return "Error: INSTALLATION FAILED: cannot re-use a name that is still in use", errors.New("exit status 1")
		}
		return "", nil
	}}
	h := NewHelm(Config{DataDir: t.TempDir()}, exec, nil)
	assert.NoError(t, h.Create(context.Background(), testParams()))
}

func TestHelmIsReachable(t *testing.T) {
	listing := `NAME                                          READY   STATUS              RESTARTS   AGE
runner-3f2a9c1e-evaluation-runner-5d8f7-abcde   1/1     Running             0          2m
runner-99999999-evaluation-runner-5d8f7-zzzzz   0/1     ContainerCreating   0          1m
`
	exec := &fakeExecutor{respond: func(call) (string, error) { return listing, nil }}
	h := NewHelm(Config{}, exec, nil)

	ok, err := h.IsReachable(context.Background(), caseID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.IsReachable(context.Background(), "99999999-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.IsReachable(context.Background(), "11111111-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHelmDestroyToleratesMissingRelease(t *testing.T) {
	exec := &fakeExecutor{respond: func(call) (string, error) {
		return "Error: uninstall: Release not loaded: runner-3f2a9c1e: release: not found", errors.New("exit status 1")
	}}
	h := NewHelm(Config{}, exec, nil)

	assert.NoError(t, h.Destroy(context.Background(), caseID))
	assert.Equal(t, []string{"helm uninstall runner-3f2a9c1e -n evaluation"}, exec.lines())
}

func TestHelmDestroyReportsOtherFailures(t *testing.T) {
	exec := &fakeExecutor{respond: func(call) (string, error) {
		return "Error: Kubernetes cluster unreachable", errors.New("exit status 1")
	}}
	h := NewHelm(Config{}, exec, nil)

	err := h.Destroy(context.Background(), caseID)
	require.Error(t, err)
	assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeProvisionerFailed))
}

func TestDockerLifecycle(t *testing.T) {
	dir := t.TempDir()
	running := "true\n"
	exec := &fakeExecutor{respond: func(c call) (string, error) {
		if c.args[0] == "inspect" {
			return running, nil
		}
		return "", nil
	}}
	d := NewDocker(Config{DataDir: dir, Image: "registry/evaluation-runner"}, exec, nil)

	require.NoError(t, d.Create(context.Background(), testParams()))
	ok, err := d.IsReachable(context.Background(), caseID)
	require.NoError(t, err)
	assert.True(t, ok)

	running = "false\n"
	ok, err = d.IsReachable(context.Background(), caseID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Destroy(context.Background(), caseID))

	lines := exec.lines()
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "docker run -d --name runner-3f2a9c1e")
	assert.True(t, strings.HasSuffix(lines[0], "registry/evaluation-runner:v6.5"))
	assert.Equal(t, "docker rm -f runner-3f2a9c1e", lines[3])
}

func TestNoopCountsCalls(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	ok, _ := n.IsReachable(ctx, caseID)
	assert.False(t, ok)

	require.NoError(t, n.Create(ctx, testParams()))
	ok, _ = n.IsReachable(ctx, caseID)
	assert.True(t, ok)

	require.NoError(t, n.Destroy(ctx, caseID))
	require.NoError(t, n.Destroy(ctx, caseID))
	assert.Equal(t, 1, n.Created(caseID))
	assert.Equal(t, 2, n.Destroyed(caseID))
}

func TestNewSelectsFlavor(t *testing.T) {
	p, err := New(Config{Kind: KindHelm}, &fakeExecutor{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Helm{}, p)

	p, err = New(Config{Kind: KindDocker}, &fakeExecutor{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Docker{}, p)

	p, err = New(Config{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Noop{}, p)

	_, err = New(Config{Kind: KindHelm}, nil, nil)
	assert.Error(t, err)

	_, err = ParseKind("kubernetes")
	assert.Error(t, err)
	k, err := ParseKind(" Docker ")
	require.NoError(t, err)
	assert.Equal(t, KindDocker, k)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "helm install runner-1 evaluation/chart", commandLine("helm", []string{"install", "runner-1", "evaluation/chart"}))
	assert.Equal(t, "docker inspect -f '{{.State.Running}}'", commandLine("docker", []string{"inspect", "-f", "{{.State.Running}}"}))
	assert.Equal(t, `echo 'it'\''s'`, commandLine("echo", []string{"it's"}))
	assert.Equal(t, "echo ''", commandLine("echo", []string{""}))
}

func TestSSHExecutorValidation(t *testing.T) {
	_, err := NewSSHExecutor(SSHConfig{}, nil)
	assert.Error(t, err)

	_, err = NewSSHExecutor(SSHConfig{Host: "127.0.0.1", User: "root"}, nil)
	assert.Error(t, err)

	e, err := NewSSHExecutor(SSHConfig{Host: "127.0.0.1", User: "root", Password: "secret"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:22", e.addr)
}

func TestNoopSimulatedExecutorAnswersControl(t *testing.T) {
	store := runtimestate.NewMemoryStore(runtimestate.WithRetryInterval(time.Millisecond))
	n := NewNoop().WithSimulatedExecutor(store, runtimestate.AgentConfig{Interval: 5 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, n.Create(ctx, testParams()))
	require.NoError(t, store.Init(ctx, caseID))
	require.NoError(t, runtimestate.SetControl(ctx, store, caseID, runtimestate.StatusPaused))

	require.Eventually(t, func() bool {
		st, err := store.Get(ctx, caseID)
		return err == nil && st.ObservedStatus == runtimestate.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n.Destroy(ctx, caseID))
	ok, err := n.IsReachable(ctx, caseID)
	require.NoError(t, err)
	assert.False(t, ok)
}
