package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

const queueColumns = `id, user_id, device_id, operation, record_kind, record_id,
	payload, strategy, priority, status, retry_count, max_retries, scheduled_for,
	checksum, encryption_required, sensitive, base_version, last_error,
	created_at, updated_at`

// InsertQueueItem persists a new queue item.
func (s *SQLiteStore) InsertQueueItem(ctx context.Context, item *types.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.UserID, item.DeviceID, string(item.Operation),
		string(item.Kind), item.RecordID, nullablePayload(item.Payload),
		string(item.Strategy), item.Priority, string(item.Status),
		item.RetryCount, item.MaxRetries, formatTime(item.ScheduledFor),
		item.Checksum, boolToInt(item.EncryptionRequired), boolToInt(item.Sensitive),
		item.BaseVersion, item.LastError,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// FindActiveByChecksum returns the newest non-terminal item with the given
// checksum created after cutoff. Used for debounce-window idempotency.
func (s *SQLiteStore) FindActiveByChecksum(ctx context.Context, checksum string, cutoff time.Time) (*types.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE checksum = ?
		  AND status IN ('pending', 'processing')
		  AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, checksum, formatTime(cutoff))

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by checksum: %w", err)
	}
	return item, nil
}

// DueQueueItems returns pending items whose scheduled time has passed, in
// drain order: priority descending, then FIFO by creation time and id.
func (s *SQLiteStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// HasEarlierActiveItem reports whether a non-terminal item for the same
// (user, record) was created before the given item. Items for one record are
// processed in creation order per device.
func (s *SQLiteStore) HasEarlierActiveItem(ctx context.Context, item *types.QueueItem) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE user_id = ? AND record_kind = ? AND record_id = ?
		  AND status IN ('pending', 'processing', 'conflict')
		  AND (created_at < ? OR (created_at = ? AND id < ?))
	`, item.UserID, string(item.Kind), item.RecordID,
		formatTime(item.CreatedAt), formatTime(item.CreatedAt), item.ID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check earlier items: %w", err)
	}
	return count > 0, nil
}

// MarkProcessing transitions a pending item to processing. Returns ErrNotFound
// if the item was claimed or cancelled concurrently.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, itemID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(now), itemID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SettleQueueItem moves an item to a terminal or parked status.
func (s *SQLiteStore) SettleQueueItem(ctx context.Context, itemID string, status types.QueueStatus, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), lastError, formatTime(now), itemID)
	if err != nil {
		return fmt.Errorf("settle queue item: %w", err)
	}
	return nil
}

// RescheduleQueueItem returns a processing item to pending with an incremented
// retry count and a new scheduled time.
func (s *SQLiteStore) RescheduleQueueItem(ctx context.Context, itemID string, retryCount int, scheduledFor time.Time, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', retry_count = ?, scheduled_for = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, retryCount, formatTime(scheduledFor), lastError, formatTime(now), itemID)
	if err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	return nil
}

// ReleaseProcessing returns all processing items to pending. Called at startup
// so drains interrupted by a crash resume instead of leaking claimed items.
func (s *SQLiteStore) ReleaseProcessing(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', updated_at = ?
		WHERE status = 'processing'
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("release processing items: %w", err)
	}
	return result.RowsAffected()
}

// GetQueueItem returns a single item by id.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, itemID string) (*types.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue WHERE id = ?
	`, itemID)

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// PendingQueueCount returns the number of non-terminal items for a user.
// Every component reads this count from the store rather than keeping its own
// counter, so the numbers cannot drift.
func (s *SQLiteStore) PendingQueueCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue
		WHERE user_id = ? AND status IN ('pending', 'processing', 'conflict')
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending queue count: %w", err)
	}
	return count, nil
}

// PendingNonSensitiveItems returns due and overdue non-sensitive pending items
// for a user. Used by logout flush; sensitive items never leave via that path.
func (s *SQLiteStore) PendingNonSensitiveItems(ctx context.Context, userID string) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE user_id = ? AND status = 'pending' AND sensitive = 0
		ORDER BY priority DESC, created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query non-sensitive pending: %w", err)
	}
	defer rows.Close()

	return collectQueueItems(rows)
}

// CancelSensitiveItems cancels all pending sensitive items for a user.
// Called on logout so sensitive payloads are not retried for a dead session.
func (s *SQLiteStore) CancelSensitiveItems(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'cancelled', updated_at = ?
		WHERE user_id = ? AND status = 'pending' AND sensitive = 1
	`, formatTime(now), userID)
	if err != nil {
		return 0, fmt.Errorf("cancel sensitive items: %w", err)
	}
	return result.RowsAffected()
}

// PruneTerminalItems deletes completed and cancelled items older than cutoff.
// Returns the number of rows removed.
func (s *SQLiteStore) PruneTerminalItems(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status IN ('completed', 'cancelled') AND updated_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune terminal items: %w", err)
	}
	return result.RowsAffected()
}

func collectQueueItems(rows *sql.Rows) ([]types.QueueItem, error) {
	items := make([]types.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// scanQueueItem scans a row into a QueueItem.
func scanQueueItem(scanner interface{ Scan(...any) error }) (*types.QueueItem, error) {
	var item types.QueueItem
	var operation, kind, strategy, status string
	var payload sql.NullString
	var encryptionRequired, sensitive int
	var scheduledFor, createdAt, updatedAt string

	err := scanner.Scan(
		&item.ID, &item.UserID, &item.DeviceID, &operation, &kind, &item.RecordID,
		&payload, &strategy, &item.Priority, &status, &item.RetryCount,
		&item.MaxRetries, &scheduledFor, &item.Checksum, &encryptionRequired,
		&sensitive, &item.BaseVersion, &item.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Operation = types.OperationType(operation)
	item.Kind = types.RecordKind(kind)
	item.Strategy = types.ConflictStrategy(strategy)
	item.Status = types.QueueStatus(status)
	item.EncryptionRequired = encryptionRequired != 0
	item.Sensitive = sensitive != 0
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}

	if item.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("parse scheduled_for: %w", err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &item, nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
