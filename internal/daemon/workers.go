package daemon

import (
	"context"
	"errors"
	"time"

	"soundbite/internal/logging"
	"soundbite/internal/queue"
)

func (d *Daemon) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With(logging.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.queue.Lease(ctx, time.Now())
		if errors.Is(err, queue.ErrEmpty) {
			d.waitOrShutdown(ctx, time.Duration(d.cfg.Workflow.QueuePollInterval)*time.Second)
			continue
		}
		if err != nil {
			logger.Error("failed to lease next task", logging.Error(err))
			d.waitOrShutdown(ctx, time.Duration(d.cfg.Workflow.ErrorRetryInterval)*time.Second)
			continue
		}

		if err := d.exec.Execute(ctx, task); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("task execution failed",
				logging.String("task_id", task.ID),
				logging.String("type", task.Type),
				logging.Error(err))
		}
	}
}

func (d *Daemon) waitOrShutdown(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
