// Package reconciler periodically sweeps the scheduler's background
// reconciliation: expiring pending tasks past their deadline and retrying or
// killing tasks whose bot stopped reporting.
package reconciler

import (
	"context"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/observability"
	"github.com/developer-mesh/taskswarm/pkg/scheduler"
)

// DefaultInterval is how often the sweeps run when no interval is given.
const DefaultInterval = 30 * time.Second

// Reconciler drives the two scheduler cron sweeps on a fixed interval.
type Reconciler struct {
	sched    *scheduler.Scheduler
	logger   observability.Logger
	interval time.Duration
}

// New creates a Reconciler. interval <= 0 selects DefaultInterval.
func New(sched *scheduler.Scheduler, logger observability.Logger, interval time.Duration) *Reconciler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		sched:    sched,
		logger:   logger.WithPrefix("reconciler"),
		interval: interval,
	}
}

// Run blocks, sweeping once immediately and then on every interval tick,
// until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Sweep runs both cron sweeps once. Errors are logged, not returned; one
// failing sweep must not stop the other.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.sweep(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) {
	if _, _, err := r.sched.CronAbortExpiredTaskToRun(ctx); err != nil {
		r.logger.Error("expired task sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if _, _, _, err := r.sched.CronHandleBotDied(ctx); err != nil {
		r.logger.Error("dead bot sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
