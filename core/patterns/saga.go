// Package patterns provides transaction idioms built on the core manager:
// sagas with compensating actions, optimistic and pessimistic locking
// helpers, and a circuit breaker registry.
package patterns

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SagaStep is one leg of a saga: Run applies the step's effect, Compensate
// undoes it when a later step fails. Compensate may be nil for steps with
// nothing to undo.
type SagaStep struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// RunSaga executes steps in order. When a step fails, the compensations of
// every completed step run in reverse order and the failing step's error is
// returned. Compensation failures and panics are logged and swallowed so
// one broken compensation cannot block the rest of the unwind.
func RunSaga(ctx context.Context, logger *zap.Logger, steps []SagaStep) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, step := range steps {
		err := step.Run(ctx)
		if err == nil {
			continue
		}
		logger.Warn("saga step failed, compensating",
			zap.String("step", step.Name),
			zap.Int("completed", i),
			zap.Error(err),
		)
		compensate(ctx, logger, steps[:i])
		return fmt.Errorf("patterns: saga step %s: %w", step.Name, err)
	}
	return nil
}

// compensate undoes completed steps last-to-first.
func compensate(ctx context.Context, logger *zap.Logger, completed []SagaStep) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("saga compensation panicked",
						zap.String("step", step.Name),
						zap.Any("panic", r),
					)
				}
			}()
			if err := step.Compensate(ctx); err != nil {
				logger.Error("saga compensation failed",
					zap.String("step", step.Name),
					zap.Error(err),
				)
			}
		}()
	}
}
