package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/helixcare/syncd/internal/snapshot"
)

// SnapshotSource produces a consistent snapshot file of the local database.
type SnapshotSource interface {
	GenerateSnapshot(ctx context.Context) (string, error)
}

// SnapshotCoordinator periodically generates a database snapshot and ships
// it to backup storage. The local snapshot file is removed after upload.
type SnapshotCoordinator struct {
	source   SnapshotSource
	uploader snapshot.Uploader
	nodeID   string
	interval time.Duration
}

// NewSnapshotCoordinator creates the snapshot loop. uploader may be the
// NoopUploader in local-only mode; snapshots are still generated.
func NewSnapshotCoordinator(source SnapshotSource, uploader snapshot.Uploader, nodeID string, interval time.Duration) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		source:   source,
		uploader: uploader,
		nodeID:   nodeID,
		interval: interval,
	}
}

// Run starts the loop. A snapshot is generated immediately on start, then on
// each tick. Blocks until ctx is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.snapshotOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
			)
			return
		case <-ticker.C:
			c.snapshotOnce(ctx)
		}
	}
}

func (c *SnapshotCoordinator) snapshotOnce(ctx context.Context) {
	path, err := c.source.GenerateSnapshot(ctx)
	if err != nil {
		slog.Error("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, c.nodeID, path); err != nil {
		slog.Error("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "upload_failed",
			"error", err,
		)
		return
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("snapshot cleanup failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "cleanup_failed",
			"error", err,
		)
	}

	slog.Info("snapshot shipped",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_finished",
	)
}
