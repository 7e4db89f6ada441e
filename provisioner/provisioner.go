// Package provisioner stands up and tears down the remote environment a
// case runs in.
package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/runner"
)

// Provisioner creates and destroys the environment of one case.
// Create must tolerate retries and Destroy must not fail when the
// environment is already gone.
type Provisioner interface {
	Create(ctx context.Context, params evaluation.CaseParams) error
	Destroy(ctx context.Context, id string) error
	IsReachable(ctx context.Context, id string) (bool, error)
}

// Kind selects the environment flavor.
type Kind string

const (
	KindHelm   Kind = "helm"
	KindDocker Kind = "docker"
	KindNoop   Kind = "noop"
)

// ParseKind resolves a flavor name.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindHelm, KindDocker, KindNoop:
		return k, nil
	case "":
		return KindNoop, nil
	}
	return "", fmt.Errorf("unknown provisioner kind %q", raw)
}

// Config carries everything the flavors need, resolved once at startup.
type Config struct {
	Kind      Kind
	Namespace string
	Repo      string
	Chart     string
	Image     string
	DataDir   string

	// RunnerConfig is forwarded to the remote executor as-is.
	RunnerConfig RunnerConfig

	CreateRetries    int
	CreateRetryDelay time.Duration
}

// RunnerConfig is the executor side configuration rendered into the
// environment values.
type RunnerConfig struct {
	Redis         map[string]any `yaml:"redis,omitempty"`
	Database      map[string]any `yaml:"mysql,omitempty"`
	ListenPort    int            `yaml:"listen_port,omitempty"`
	AgentTools    map[string]any `yaml:"agent-tools,omitempty"`
	PlatformTools map[string]any `yaml:"platform-tools,omitempty"`
	DataDir       string         `yaml:"runner_data_dir,omitempty"`
}

// New builds the flavor named by cfg.Kind.
func New(cfg Config, exec Executor, logger evaluation.Logger) (Provisioner, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindNoop
	}
	if kind != KindNoop && exec == nil {
		return nil, fmt.Errorf("provisioner %s needs an executor", kind)
	}
	switch kind {
	case KindHelm:
		return NewHelm(cfg, exec, logger), nil
	case KindDocker:
		return NewDocker(cfg, exec, logger), nil
	case KindNoop:
		return NewNoop(), nil
	}
	return nil, fmt.Errorf("unknown provisioner kind %q", kind)
}

func createRunner(cfg Config, name string, logger evaluation.Logger) *runner.Handler {
	return runner.NewHandler(
		runner.WithName(name),
		runner.WithLogger(logger),
		runner.WithMaxRetries(cfg.CreateRetries),
		runner.WithPolicy(runner.FixedDelay{Delay: cfg.CreateRetryDelay}),
	)
}

func provisionError(op, id string, err error) error {
	return evaluation.NewError(evaluation.ErrProvisionerFailed, fmt.Sprintf("%s failed", op), err, map[string]any{
		"uuid":    id,
		"release": evaluation.ReleaseName(id),
	})
}

// CaseDir is <dataDir>/runner-<uuid>.
func CaseDir(dataDir, id string) string {
	return evaluation.NewCaseDirs(dataDir, id).Root
}
