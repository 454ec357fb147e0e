package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixcare/syncd/internal/api"
	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/config"
	"github.com/helixcare/syncd/internal/conflict"
	"github.com/helixcare/syncd/internal/credsync"
	"github.com/helixcare/syncd/internal/crypto"
	"github.com/helixcare/syncd/internal/manager"
	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/snapshot"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/syncsvc"
	"github.com/helixcare/syncd/internal/trust"
	"github.com/helixcare/syncd/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Syncd - cross-device state sync daemon",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	nodeID := cfg.Sync.NodeID
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve node id: %w", err)
		}
		nodeID = host
	}

	// 4. Initialize local store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// Items stuck in processing from a previous crash go back to pending.
	released, err := db.ReleaseProcessing(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release stale queue items: %w", err)
	}
	if released > 0 {
		slog.Info("stale queue items released", "released", released)
	}

	// 5. Initialize encryption service
	var cipher crypto.Cipher = crypto.Unavailable{}
	if cfg.Crypto.Passphrase != "" {
		key := crypto.DeriveKey([]byte(cfg.Crypto.Passphrase), []byte(cfg.Crypto.Salt))
		aes, err := crypto.NewAESGCM(key)
		if err != nil {
			return err
		}
		cipher = aes
	} else {
		slog.Warn("no passphrase configured, credential sync will be rejected")
	}

	// 6. Backing-store client and change feed
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, time.Duration(cfg.Remote.Timeout))
	var feed remote.Feed
	if cfg.Feed.URL != "" {
		feed = remote.NewWebSocketFeed(cfg.Feed.URL, cfg.Remote.APIKey, nodeID,
			time.Duration(cfg.Feed.ReconnectMin), time.Duration(cfg.Feed.ReconnectMax), logger)
	}

	// 7. Trust registry and conflict service
	sink := audit.SlogSink{}
	registry := trust.NewRegistry(db, sink, logger)
	conflicts := conflict.NewService(db, sink, logger)

	// 8. Sync queue with remote executor
	executor := syncsvc.NewRemoteExecutor(client, db, logger)
	mismatches := syncsvc.NewMismatchHandler(client, conflicts, db, logger)
	q := queue.New(db, executor, mismatches, queue.Options{
		BackoffBase:    time.Duration(cfg.Queue.BackoffBase),
		BackoffCap:     time.Duration(cfg.Queue.BackoffCap),
		MaxRetries:     cfg.Queue.MaxRetries,
		DebounceWindow: time.Duration(cfg.Queue.DebounceWindow),
	}, logger)
	// Resolved conflicts release their parked item and push the winner back
	// through the queue.
	conflicts.AttachQueue(q)

	// 9. Domain synchronizers
	settings := syncsvc.NewSettingsService(nodeID, db, client, q, conflicts, logger)
	profile := syncsvc.NewProfileService(nodeID, db, client, q, conflicts, logger)

	// 10. Credential sync
	creds := credsync.NewService(cipher, registry, q, mfaVerifier{client: client}, sink, logger)

	// 11. Sync manager
	mgr := manager.New(registry, db, q, []manager.Reconciler{settings, profile}, feed, client, logger)

	// 12. Snapshot uploader
	uploader, err := snapshot.NewUploader(cfg.Snapshot, cipher)
	if err != nil {
		return err
	}

	// 13. HTTP router
	handler := api.NewHandler(mgr, conflicts, registry, creds, db, []byte(cfg.Trust.ClaimsKey), cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 14. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, worker.NewDrainCoordinator(q, time.Duration(cfg.Queue.DrainInterval)).Run)
	startWorker(ctx, &wg, worker.NewRetentionWorker(db, time.Duration(cfg.Queue.RetentionInterval), time.Duration(cfg.Queue.RetentionAge)).Run)
	startWorker(ctx, &wg, worker.NewPeriodicCoordinator(mgr, time.Duration(cfg.Sync.PeriodicInterval)).Run)
	startWorker(ctx, &wg, worker.NewSnapshotCoordinator(db, uploader, nodeID, time.Duration(cfg.Snapshot.Interval)).Run)

	// 15. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 16. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 17. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mfaVerifier checks one-time codes against the backing store.
type mfaVerifier struct {
	client *remote.HTTPClient
}

func (v mfaVerifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	return v.client.VerifyMFA(ctx, userID, code)
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
