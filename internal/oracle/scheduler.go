package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs a cycle every thirty seconds.
const DefaultSchedule = "@every 30s"

// RunScheduled runs e on schedule until ctx is cancelled. schedule accepts
// standard 5-field cron expressions and descriptors such as "@every 1m".
// A tick that fires while the previous cycle is still running is skipped.
func (e *Engine) RunScheduled(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { e.tick(ctx) }); err != nil {
		return fmt.Errorf("oracle: parsing schedule %q: %w", schedule, err)
	}

	e.logger.InfoContext(ctx, "oracle scheduler started", slog.String("schedule", schedule))
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(e.opts.LockTTL):
		e.logger.Warn("oracle cycle still running at shutdown")
	}
	e.logger.Info("oracle scheduler stopped")
	return ctx.Err()
}

func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.RunCycle(ctx); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			e.logger.DebugContext(ctx, "oracle cycle skipped, lock held elsewhere")
			return
		}
		e.logger.ErrorContext(ctx, "oracle cycle failed", slog.String("error", err.Error()))
	}
}
