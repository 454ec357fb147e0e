// Package queue implements the durable sync queue: checksum-debounced
// enqueue, priority-ordered drain, and retry with exponential backoff.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helixcare/syncd/internal/remote"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/types"
)

// drainBatchSize bounds how many due items one drain pass claims.
const drainBatchSize = 50

// Store is the subset of the local store the queue needs.
type Store interface {
	InsertQueueItem(ctx context.Context, item *types.QueueItem) error
	FindActiveByChecksum(ctx context.Context, checksum string, cutoff time.Time) (*types.QueueItem, error)
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]types.QueueItem, error)
	HasEarlierActiveItem(ctx context.Context, item *types.QueueItem) (bool, error)
	MarkProcessing(ctx context.Context, itemID string, now time.Time) error
	SettleQueueItem(ctx context.Context, itemID string, status types.QueueStatus, lastError string, now time.Time) error
	RescheduleQueueItem(ctx context.Context, itemID string, retryCount int, scheduledFor time.Time, lastError string, now time.Time) error
	PendingQueueCount(ctx context.Context, userID string) (int, error)
	PendingNonSensitiveItems(ctx context.Context, userID string) ([]types.QueueItem, error)
	CancelSensitiveItems(ctx context.Context, userID string, now time.Time) (int64, error)
}

// Executor carries one claimed item to the backing store. Implementations
// return remote errors unwrapped so the queue can classify them.
type Executor interface {
	Execute(ctx context.Context, item *types.QueueItem) error
}

// ConflictHandler is notified when an item's conditional write lost the race.
// The item is already parked in conflict status when the handler runs.
type ConflictHandler interface {
	HandleVersionMismatch(ctx context.Context, item *types.QueueItem) error
}

// Options tune queue behavior.
type Options struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRetries     int
	DebounceWindow time.Duration
}

// Queue owns queue item lifecycle. Drain order and state transitions live in
// the store; this layer adds debounce, retry policy, and error classification.
type Queue struct {
	store     Store
	executor  Executor
	conflicts ConflictHandler
	opts      Options
	logger    *slog.Logger
}

// New creates a queue service. conflicts may be nil; version mismatches are
// still parked in conflict status without it.
func New(st Store, executor Executor, conflicts ConflictHandler, opts Options, logger *slog.Logger) *Queue {
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 2 * time.Second
	}
	return &Queue{
		store:     st,
		executor:  executor,
		conflicts: conflicts,
		opts:      opts,
		logger:    logger.With("component", "queue"),
	}
}

// EnqueueRequest describes one mutation to queue.
type EnqueueRequest struct {
	UserID             string
	DeviceID           string
	Operation          types.OperationType
	Kind               types.RecordKind
	RecordID           string
	Payload            json.RawMessage
	Strategy           types.ConflictStrategy
	Priority           int
	EncryptionRequired bool
	Sensitive          bool
	BaseVersion        int64
}

// Checksum derives the content identity of a request. Two requests with the
// same user, record, operation, and payload produce the same checksum.
func Checksum(req EnqueueRequest) string {
	h := sha256.New()
	h.Write([]byte(req.UserID))
	h.Write([]byte{0})
	h.Write([]byte(req.Kind))
	h.Write([]byte{0})
	h.Write([]byte(req.RecordID))
	h.Write([]byte{0})
	h.Write([]byte(req.Operation))
	h.Write([]byte{0})
	h.Write(req.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue adds a mutation to the queue. An identical mutation already active
// within the debounce window is returned instead of a duplicate; the bool
// reports whether a new item was created.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*types.QueueItem, bool, error) {
	if !req.Kind.Valid() {
		return nil, false, fmt.Errorf("invalid record kind %q", req.Kind)
	}
	if req.Operation != types.OpDelete && len(req.Payload) == 0 {
		return nil, false, errors.New("payload required for non-delete operations")
	}

	checksum := Checksum(req)
	now := time.Now().UTC()

	existing, err := q.store.FindActiveByChecksum(ctx, checksum, now.Add(-q.opts.DebounceWindow))
	if err == nil {
		q.logger.Debug("enqueue debounced",
			"action", "enqueue",
			"item_id", existing.ID,
			"checksum", checksum)
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	item := &types.QueueItem{
		ID:                 ulid.Make().String(),
		UserID:             req.UserID,
		DeviceID:           req.DeviceID,
		Operation:          req.Operation,
		Kind:               req.Kind,
		RecordID:           req.RecordID,
		Payload:            req.Payload,
		Strategy:           req.Strategy,
		Priority:           req.Priority,
		Status:             types.StatusPending,
		MaxRetries:         q.opts.MaxRetries,
		ScheduledFor:       now,
		Checksum:           checksum,
		EncryptionRequired: req.EncryptionRequired,
		Sensitive:          req.Sensitive,
		BaseVersion:        req.BaseVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if item.Strategy == "" {
		item.Strategy = types.StrategyLastWriteWins
	}

	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return nil, false, err
	}

	q.logger.Info("item enqueued",
		"action", "enqueue",
		"item_id", item.ID,
		"user_id", item.UserID,
		"record_kind", string(item.Kind),
		"operation", string(item.Operation),
		"priority", item.Priority)
	return item, true, nil
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Claimed   int
	Completed int
	Retried   int
	Failed    int
	Conflicts int
	Skipped   int
}

// DrainOnce processes due items in drain order. Items for a record with an
// earlier active item are skipped so per-record ordering holds.
func (q *Queue) DrainOnce(ctx context.Context, now time.Time) (DrainStats, error) {
	var stats DrainStats

	items, err := q.store.DueQueueItems(ctx, now, drainBatchSize)
	if err != nil {
		return stats, err
	}

	for i := range items {
		item := &items[i]

		blocked, err := q.store.HasEarlierActiveItem(ctx, item)
		if err != nil {
			return stats, err
		}
		if blocked {
			stats.Skipped++
			continue
		}

		if err := q.store.MarkProcessing(ctx, item.ID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				stats.Skipped++
				continue
			}
			return stats, err
		}
		stats.Claimed++

		q.settle(ctx, item, q.executor.Execute(ctx, item), now, &stats)
	}

	return stats, nil
}

// settle classifies the execution outcome and moves the item accordingly.
func (q *Queue) settle(ctx context.Context, item *types.QueueItem, execErr error, now time.Time, stats *DrainStats) {
	switch {
	case execErr == nil:
		if err := q.store.SettleQueueItem(ctx, item.ID, types.StatusCompleted, "", now); err != nil {
			q.logger.Error("settle failed", "action", "complete", "item_id", item.ID, "error", err)
			return
		}
		stats.Completed++
		q.logger.Info("item completed", "action", "complete", "item_id", item.ID)

	case errors.Is(execErr, remote.ErrVersionMismatch):
		if err := q.store.SettleQueueItem(ctx, item.ID, types.StatusConflict, execErr.Error(), now); err != nil {
			q.logger.Error("settle failed", "action", "conflict", "item_id", item.ID, "error", err)
			return
		}
		stats.Conflicts++
		q.logger.Warn("version conflict detected",
			"action", "conflict",
			"item_id", item.ID,
			"record_kind", string(item.Kind),
			"record_id", item.RecordID)
		if q.conflicts != nil {
			if err := q.conflicts.HandleVersionMismatch(ctx, item); err != nil {
				q.logger.Error("conflict handler failed", "action", "conflict", "item_id", item.ID, "error", err)
			}
		}

	case remote.IsRetryable(execErr):
		retries := item.RetryCount + 1
		if retries > item.MaxRetries {
			if err := q.store.SettleQueueItem(ctx, item.ID, types.StatusFailed, execErr.Error(), now); err != nil {
				q.logger.Error("settle failed", "action", "fail", "item_id", item.ID, "error", err)
				return
			}
			stats.Failed++
			q.logger.Error("item failed, retry budget exhausted",
				"action", "fail",
				"item_id", item.ID,
				"retries", item.RetryCount,
				"error", execErr)
			return
		}

		delay := q.backoffDelay(retries)
		if err := q.store.RescheduleQueueItem(ctx, item.ID, retries, now.Add(delay), execErr.Error(), now); err != nil {
			q.logger.Error("reschedule failed", "action", "retry", "item_id", item.ID, "error", err)
			return
		}
		stats.Retried++
		q.logger.Warn("item rescheduled",
			"action", "retry",
			"item_id", item.ID,
			"retry", retries,
			"delay", delay.String(),
			"error", execErr)

	default:
		// Unauthorized, encryption failures, malformed payloads. Retrying
		// cannot succeed without operator intervention.
		if err := q.store.SettleQueueItem(ctx, item.ID, types.StatusFailed, execErr.Error(), now); err != nil {
			q.logger.Error("settle failed", "action", "fail", "item_id", item.ID, "error", err)
			return
		}
		stats.Failed++
		q.logger.Error("item failed permanently", "action", "fail", "item_id", item.ID, "error", execErr)
	}
}

// backoffDelay computes base * 2^(attempt-1) capped, with up to 10% jitter so
// a burst of failures does not resynchronize into a thundering herd.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.opts.BackoffCap {
			delay = q.opts.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	delay += jitter
	if delay > q.opts.BackoffCap {
		delay = q.opts.BackoffCap
	}
	return delay
}

// PendingCount returns the number of non-terminal items for a user.
func (q *Queue) PendingCount(ctx context.Context, userID string) (int, error) {
	return q.store.PendingQueueCount(ctx, userID)
}

// TeardownStats summarizes a logout teardown.
type TeardownStats struct {
	Flushed   int
	Remaining int
	Cancelled int64
}

// Teardown is the logout path: make one best-effort push of the user's
// non-sensitive pending items, then cancel the sensitive ones. Sensitive
// items are never flushed for a session that is ending; items that fail to
// flush stay pending for the next session.
func (q *Queue) Teardown(ctx context.Context, userID string, now time.Time) (TeardownStats, error) {
	var stats TeardownStats

	items, err := q.store.PendingNonSensitiveItems(ctx, userID)
	if err != nil {
		return stats, err
	}

	for i := range items {
		item := &items[i]
		if err := q.store.MarkProcessing(ctx, item.ID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return stats, err
		}

		if execErr := q.executor.Execute(ctx, item); execErr != nil {
			// No retries during teardown; put it back for later.
			if err := q.store.RescheduleQueueItem(ctx, item.ID, item.RetryCount, now, execErr.Error(), now); err != nil {
				q.logger.Error("teardown reschedule failed", "action", "teardown", "item_id", item.ID, "error", err)
			}
			stats.Remaining++
			continue
		}
		if err := q.store.SettleQueueItem(ctx, item.ID, types.StatusCompleted, "", now); err != nil {
			q.logger.Error("teardown settle failed", "action", "teardown", "item_id", item.ID, "error", err)
			continue
		}
		stats.Flushed++
	}

	cancelled, err := q.store.CancelSensitiveItems(ctx, userID, now)
	if err != nil {
		return stats, err
	}
	stats.Cancelled = cancelled

	q.logger.Info("queue teardown finished",
		"action", "teardown",
		"user_id", userID,
		"flushed", stats.Flushed,
		"remaining", stats.Remaining,
		"cancelled", stats.Cancelled)
	return stats, nil
}
