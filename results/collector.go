// Package results gathers the artifacts a case leaves behind and serves
// the logs the remote executor pushes while it runs.
package results

import (
	"context"

	evaluation "github.com/taloric/df-evaluation"
)

// Collector scans a finished case tree and produces artifacts from it.
type Collector interface {
	Name() string
	Collect(ctx context.Context, dirs evaluation.CaseDirs) error
}

// CollectAll runs every collector. Failures are logged and never stop
// the remaining collectors.
func CollectAll(ctx context.Context, collectors []Collector, dirs evaluation.CaseDirs, logger evaluation.Logger) int {
	logger = evaluation.NormalizeLogger(logger)
	failed := 0
	for _, c := range collectors {
		if c == nil {
			continue
		}
		err := evaluation.RecoverTo("collector "+c.Name(), func() error {
			return c.Collect(ctx, dirs)
		})
		if err != nil {
			failed++
			logger.Warn("result collector failed", "collector", c.Name(), "uuid", dirs.UUID, "error", err)
			continue
		}
		logger.Debug("result collector done", "collector", c.Name(), "uuid", dirs.UUID)
	}
	return failed
}
