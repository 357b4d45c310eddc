package service

import (
	"context"
	"log/slog"
	"sync"

	"tg_market/internal/infra"
)

// Tasks runs fire-and-forget reconciles. Errors go to the log, never to the caller.
type Tasks struct {
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *infra.Metrics
}

// NewTasks creates a task group
func NewTasks(logger *slog.Logger, metrics *infra.Metrics) *Tasks {
	return &Tasks{logger: logger, metrics: metrics}
}

// Go runs fn in the background. fn keeps the values of ctx but not its
// cancellation, so a finished request does not abort its reconcile.
func (t *Tasks) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.metrics.RecordReconcile(errPanic)
				t.logger.Error("Background task panic recovered",
					slog.String("task", name),
					slog.Any("panic", r),
				)
			}
		}()

		err := fn(ctx)
		t.metrics.RecordReconcile(err)
		if err != nil {
			t.logger.Warn("Background reconcile failed",
				slog.String("task", name),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until every started task has finished
func (t *Tasks) Wait() {
	t.wg.Wait()
}
