package provisioner

import (
	"context"
	"path/filepath"
	"strings"

	evaluation "github.com/taloric/df-evaluation"
)

// Docker runs each case as a detached container on the executor host.
// The values file is mounted so the runner reads the same configuration
// as under helm.
type Docker struct {
	cfg    Config
	exec   Executor
	logger evaluation.Logger
}

func NewDocker(cfg Config, exec Executor, logger evaluation.Logger) *Docker {
	if cfg.Image == "" {
		cfg.Image = "evaluation-runner"
	}
	return &Docker{
		cfg:    cfg,
		exec:   exec,
		logger: evaluation.WithLoggerFields(logger, map[string]any{"component": "provisioner", "kind": string(KindDocker)}),
	}
}

func (d *Docker) Create(ctx context.Context, params evaluation.CaseParams) error {
	release := params.ReleaseName()
	caseDir := CaseDir(d.cfg.DataDir, params.UUID)
	values, err := writeValues(filepath.Join(caseDir, release+".yaml"), params, d.cfg.RunnerConfig)
	if err != nil {
		return provisionError("write runner values", params.UUID, err)
	}

	image := d.cfg.Image
	if params.RunnerImageTag != "" {
		image += ":" + params.RunnerImageTag
	}
	err = createRunner(d.cfg, "docker run", d.logger).Run(ctx, func(ctx context.Context) error {
		out, err := d.exec.Run(ctx, "docker", "run", "-d",
			"--name", release,
			"-v", caseDir+":"+caseDir,
			"-e", "RUNNER_CONFIG="+values,
			"-e", "CASE_UUID="+params.UUID,
			image)
		if err != nil && strings.Contains(out, "is already in use") {
			return nil
		}
		return err
	})
	if err != nil {
		return provisionError("docker run", params.UUID, err)
	}
	d.logger.Info("container started", "uuid", params.UUID, "release", release)
	return nil
}

func (d *Docker) Destroy(ctx context.Context, id string) error {
	out, err := d.exec.Run(ctx, "docker", "rm", "-f", evaluation.ReleaseName(id))
	if err != nil {
		if strings.Contains(out, "No such container") {
			return nil
		}
		return provisionError("docker rm", id, err)
	}
	return nil
}

func (d *Docker) IsReachable(ctx context.Context, id string) (bool, error) {
	out, err := d.exec.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", evaluation.ReleaseName(id))
	if err != nil {
		if strings.Contains(out, "No such object") {
			return false, nil
		}
		return false, provisionError("docker inspect", id, err)
	}
	return strings.TrimSpace(out) == "true", nil
}

var _ Provisioner = (*Docker)(nil)
