package provisioner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	evaluation "github.com/taloric/df-evaluation"
	"gopkg.in/yaml.v3"
)

const (
	defaultNamespace = "evaluation"
	defaultRepo      = "evaluation"
	defaultChart     = "evaluation-runner"
)

// Helm runs each case as a helm release of the runner chart.
type Helm struct {
	cfg    Config
	exec   Executor
	logger evaluation.Logger
}

// NewHelm applies chart defaults to cfg.
func NewHelm(cfg Config, exec Executor, logger evaluation.Logger) *Helm {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.Repo == "" {
		cfg.Repo = defaultRepo
	}
	if cfg.Chart == "" {
		cfg.Chart = defaultChart
	}
	return &Helm{
		cfg:    cfg,
		exec:   exec,
		logger: evaluation.WithLoggerFields(logger, map[string]any{"component": "provisioner", "kind": string(KindHelm)}),
	}
}

type helmValues struct {
	RunnerConfig runnerValues `yaml:"runnerConfig"`
	Image        imageValues  `yaml:"image"`
}

type runnerValues struct {
	CaseParams   evaluation.CaseParams `yaml:"case_params"`
	RunnerConfig `yaml:",inline"`
}

type imageValues struct {
	Tag string `yaml:"tag,omitempty"`
}

// ValuesFile is <case dir>/<release>.yaml.
func (h *Helm) ValuesFile(id string) string {
	return filepath.Join(CaseDir(h.cfg.DataDir, id), evaluation.ReleaseName(id)+".yaml")
}

func (h *Helm) Create(ctx context.Context, params evaluation.CaseParams) error {
	release := params.ReleaseName()
	values, err := writeValues(h.ValuesFile(params.UUID), params, h.cfg.RunnerConfig)
	if err != nil {
		return provisionError("write helm values", params.UUID, err)
	}

	chart := h.cfg.Repo + "/" + h.cfg.Chart
	err = createRunner(h.cfg, "helm install", h.logger).Run(ctx, func(ctx context.Context) error {
		if _, err := h.exec.Run(ctx, "helm", "repo", "update", h.cfg.Repo); err != nil {
			h.logger.Warn("helm repo update failed", "repo", h.cfg.Repo, "error", err)
		}
		out, err := h.exec.Run(ctx, "helm", "install", release, chart,
			"-n", h.cfg.Namespace, "--create-namespace", "-f", values)
		if err != nil && strings.Contains(out, "cannot re-use a name that is still in use") {
			return nil
		}
		return err
	})
	if err != nil {
		return provisionError("helm install", params.UUID, err)
	}
	h.logger.Info("release installed", "uuid", params.UUID, "release", release)
	return nil
}

func (h *Helm) Destroy(ctx context.Context, id string) error {
	release := evaluation.ReleaseName(id)
	out, err := h.exec.Run(ctx, "helm", "uninstall", release, "-n", h.cfg.Namespace)
	if err != nil {
		if strings.Contains(out, "not found") {
			return nil
		}
		return provisionError("helm uninstall", id, err)
	}
	h.logger.Info("release uninstalled", "uuid", id, "release", release)
	return nil
}

// IsReachable looks for the release pod in Running phase.
func (h *Helm) IsReachable(ctx context.Context, id string) (bool, error) {
	out, err := h.exec.Run(ctx, "kubectl", "get", "pod", "-n", h.cfg.Namespace)
	if err != nil {
		return false, provisionError("kubectl get pod", id, err)
	}
	prefix := evaluation.ReleaseName(id) + "-" + h.cfg.Chart
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], prefix) {
			continue
		}
		if fields[2] == "Running" {
			return true, nil
		}
	}
	return false, nil
}

func writeValues(path string, params evaluation.CaseParams, rc RunnerConfig) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	params.Action = ""
	doc := helmValues{
		RunnerConfig: runnerValues{CaseParams: params, RunnerConfig: rc},
		Image:        imageValues{Tag: params.RunnerImageTag},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode values: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var _ Provisioner = (*Helm)(nil)
