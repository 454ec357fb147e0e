package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

const conflictColumns = `id, user_id, device_id, record_kind, record_id,
	conflict_type, conflicting_fields, local_data, remote_data, queue_item_id,
	detected_at, resolved_at, resolution`

// InsertConflict persists a detected conflict pending resolution.
func (s *SQLiteStore) InsertConflict(ctx context.Context, conflict *types.Conflict) error {
	fields, err := json.Marshal(conflict.ConflictingFields)
	if err != nil {
		return fmt.Errorf("marshal conflicting fields: %w", err)
	}
	local, err := json.Marshal(conflict.Local)
	if err != nil {
		return fmt.Errorf("marshal local data: %w", err)
	}
	remote, err := json.Marshal(conflict.Remote)
	if err != nil {
		return fmt.Errorf("marshal remote data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conflict.ID, conflict.UserID, conflict.DeviceID, string(conflict.Kind),
		conflict.RecordID, string(conflict.Type), string(fields), string(local),
		string(remote), conflict.QueueItemID, formatTime(conflict.DetectedAt),
		nullableTime(conflict.ResolvedAt), conflict.Resolution)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

// GetConflict returns a conflict by id.
func (s *SQLiteStore) GetConflict(ctx context.Context, conflictID string) (*types.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?
	`, conflictID)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return conflict, nil
}

// PendingConflicts returns unresolved conflicts for a user, oldest first.
func (s *SQLiteStore) PendingConflicts(ctx context.Context, userID string) ([]types.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE user_id = ? AND resolved_at IS NULL
		ORDER BY detected_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query pending conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]types.Conflict, 0)
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *conflict)
	}
	return conflicts, rows.Err()
}

// PendingConflictCount returns the number of unresolved conflicts for a user.
func (s *SQLiteStore) PendingConflictCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_conflicts WHERE user_id = ? AND resolved_at IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending conflict count: %w", err)
	}
	return count, nil
}

// ResolveConflict marks a conflict resolved with the given resolution tag.
// Returns ErrConflictNotFound if it does not exist or was already resolved.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID, resolution string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL
	`, formatTime(now), resolution, conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if affected == 0 {
		return ErrConflictNotFound
	}
	return nil
}

func scanConflict(scanner interface{ Scan(...any) error }) (*types.Conflict, error) {
	var conflict types.Conflict
	var kind, conflictType, fieldsJSON, localJSON, remoteJSON string
	var detectedAt string
	var resolvedAt sql.NullString

	err := scanner.Scan(&conflict.ID, &conflict.UserID, &conflict.DeviceID,
		&kind, &conflict.RecordID, &conflictType, &fieldsJSON, &localJSON,
		&remoteJSON, &conflict.QueueItemID, &detectedAt, &resolvedAt,
		&conflict.Resolution)
	if err != nil {
		return nil, err
	}

	conflict.Kind = types.RecordKind(kind)
	conflict.Type = types.ConflictType(conflictType)

	if err := json.Unmarshal([]byte(fieldsJSON), &conflict.ConflictingFields); err != nil {
		return nil, fmt.Errorf("unmarshal conflicting fields: %w", err)
	}
	if err := json.Unmarshal([]byte(localJSON), &conflict.Local); err != nil {
		return nil, fmt.Errorf("unmarshal local data: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &conflict.Remote); err != nil {
		return nil, fmt.Errorf("unmarshal remote data: %w", err)
	}

	if conflict.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("parse detected_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		conflict.ResolvedAt = &t
	}

	return &conflict, nil
}
