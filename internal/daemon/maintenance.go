package daemon

import (
	"context"
	"time"

	"soundbite/internal/logging"
)

// finishedRetention bounds how long succeeded and failed tasks stay visible
// in the queue before maintenance prunes them.
const finishedRetention = 7 * 24 * time.Hour

// RunMaintenance sweeps expired store entries, recovers tasks whose lease
// expired mid-execution, and prunes old finished tasks. The cron schedule
// invokes it; callers may also run it directly.
func (d *Daemon) RunMaintenance(ctx context.Context) {
	now := time.Now()

	swept, err := d.store.SweepExpiredEntries(ctx)
	if err != nil {
		d.logger.Warn("entry sweep failed", logging.Error(err))
	}
	recovered, err := d.queue.RecoverStale(ctx, now)
	if err != nil {
		d.logger.Warn("stale task recovery failed", logging.Error(err))
	}
	pruned, err := d.queue.PruneFinished(ctx, now.Add(-finishedRetention))
	if err != nil {
		d.logger.Warn("finished task prune failed", logging.Error(err))
	}

	if swept > 0 || recovered > 0 || pruned > 0 {
		d.logger.Info("maintenance pass complete",
			logging.Int64("entries_swept", swept),
			logging.Int64("tasks_recovered", recovered),
			logging.Int64("tasks_pruned", pruned))
	}
}
