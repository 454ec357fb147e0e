package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

// AppendSyncEvent records the outcome of one sync trigger.
func (s *SQLiteStore) AppendSyncEvent(ctx context.Context, event *types.SyncEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, user_id, device_id, reason, success, conflicts, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.UserID, event.DeviceID, string(event.Reason),
		boolToInt(event.Success), event.Conflicts, event.Detail,
		formatTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("append sync event: %w", err)
	}
	return nil
}

// LastSyncTime returns the time of the most recent successful sync for a user.
// Returns nil when the user has never synced.
func (s *SQLiteStore) LastSyncTime(ctx context.Context, userID string) (*time.Time, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM sync_events
		WHERE user_id = ? AND success = 1
		ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sync time: %w", err)
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse last sync time: %w", err)
	}
	return &t, nil
}

// RecentSyncEvents returns the newest events for a user, newest first.
func (s *SQLiteStore) RecentSyncEvents(ctx context.Context, userID string, limit int) ([]types.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, reason, success, conflicts, detail, created_at
		FROM sync_events
		WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync events: %w", err)
	}
	defer rows.Close()

	events := make([]types.SyncEvent, 0)
	for rows.Next() {
		var event types.SyncEvent
		var reason, createdAt string
		var success int
		if err := rows.Scan(&event.ID, &event.UserID, &event.DeviceID, &reason,
			&success, &event.Conflicts, &event.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		event.Reason = types.TriggerReason(reason)
		event.Success = success != 0
		if event.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
