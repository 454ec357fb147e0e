package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

// SessionTrigger fans a sync trigger out over all active sessions.
type SessionTrigger interface {
	TriggerAll(ctx context.Context, reason types.TriggerReason)
}

// PeriodicCoordinator fires a periodic sync pass for every active session.
type PeriodicCoordinator struct {
	trigger  SessionTrigger
	interval time.Duration
}

// NewPeriodicCoordinator creates the periodic sync loop.
func NewPeriodicCoordinator(trigger SessionTrigger, interval time.Duration) *PeriodicCoordinator {
	return &PeriodicCoordinator{trigger: trigger, interval: interval}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (c *PeriodicCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "periodic-sync",
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
				"worker", "periodic-sync",
				"action", "worker_stopped",
			)
			return
		case <-ticker.C:
			c.trigger.TriggerAll(ctx, types.TriggerPeriodic)
		}
	}
}
