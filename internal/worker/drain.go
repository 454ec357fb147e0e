// Package worker holds the background coordinators: the queue drain loop,
// terminal-item retention, periodic sync triggers, and snapshot backups.
// Every coordinator is a ticker loop that stops on context cancellation.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/helixcare/syncd/internal/queue"
)

// QueueDrainer drains due queue items.
type QueueDrainer interface {
	DrainOnce(ctx context.Context, now time.Time) (queue.DrainStats, error)
}

// DrainCoordinator runs the queue drain on an interval so pending items move
// even when nothing triggers a sync pass.
type DrainCoordinator struct {
	drainer  QueueDrainer
	interval time.Duration
}

// NewDrainCoordinator creates the drain loop.
func NewDrainCoordinator(drainer QueueDrainer, interval time.Duration) *DrainCoordinator {
	return &DrainCoordinator{drainer: drainer, interval: interval}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (c *DrainCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "drain-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "drain-coordinator",
				"action", "worker_stopped",
			)
			return
		case <-ticker.C:
			stats, err := c.drainer.DrainOnce(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("drain pass failed",
					"component", "worker",
					"worker", "drain-coordinator",
					"action", "drain_failed",
					"error", err,
				)
				continue
			}
			if stats.Claimed > 0 {
				slog.Info("drain pass finished",
					"component", "worker",
					"worker", "drain-coordinator",
					"action", "drain_finished",
					"completed", stats.Completed,
					"retried", stats.Retried,
					"failed", stats.Failed,
					"conflicts", stats.Conflicts,
				)
			}
		}
	}
}
