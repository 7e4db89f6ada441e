package caserecord

import (
	"context"

	evaluation "github.com/taloric/df-evaluation"
)

// Recover marks every case left non-terminal by a previous controller as
// EXCEPTION. It must run before the dispatcher starts so no live worker
// is affected.
func Recover(ctx context.Context, store Store, logger evaluation.Logger) (int64, error) {
	logger = evaluation.WithLoggerFields(logger, map[string]any{"component": "recovery"})
	n, err := store.MarkAbandoned(ctx)
	if err != nil {
		return 0, evaluation.NewError(evaluation.ErrCrashRecovery, "mark abandoned cases", err, nil)
	}
	if n > 0 {
		logger.Warn("abandoned cases marked as exception", "count", n)
	}
	return n, nil
}
