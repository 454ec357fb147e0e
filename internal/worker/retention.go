package worker

import (
	"context"
	"log/slog"
	"time"
)

// TerminalPruner removes old terminal queue items.
type TerminalPruner interface {
	PruneTerminalItems(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker prunes completed and cancelled queue items past their
// retention age so the queue table does not grow without bound.
type RetentionWorker struct {
	pruner   TerminalPruner
	interval time.Duration
	maxAge   time.Duration
}

// NewRetentionWorker creates the retention loop.
func NewRetentionWorker(pruner TerminalPruner, interval, maxAge time.Duration) *RetentionWorker {
	return &RetentionWorker{pruner: pruner, interval: interval, maxAge: maxAge}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention",
		"action", "worker_started",
		"interval", w.interval.String(),
		"max_age", w.maxAge.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention",
				"action", "worker_stopped",
			)
			return
		case <-ticker.C:
			w.pruneOnce(ctx)
		}
	}
}

func (w *RetentionWorker) pruneOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.maxAge)
	pruned, err := w.pruner.PruneTerminalItems(ctx, cutoff)
	if err != nil {
		slog.Error("retention prune failed",
			"component", "worker",
			"worker", "retention",
			"action", "prune_failed",
			"error", err,
		)
		return
	}
	if pruned > 0 {
		slog.Info("terminal items pruned",
			"component", "worker",
			"worker", "retention",
			"action", "prune_finished",
			"pruned", pruned,
		)
	}
}
