package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

// GetCachedRecord returns the local cached copy of a record.
func (s *SQLiteStore) GetCachedRecord(ctx context.Context, userID string, kind types.RecordKind, recordID string) (*types.Record, error) {
	var fieldsJSON, fieldTimesJSON, updatedAt string
	var version int64

	err := s.db.QueryRowContext(ctx, `
		SELECT fields, field_times, updated_at, version FROM record_cache
		WHERE user_id = ? AND record_kind = ? AND record_id = ?
	`, userID, string(kind), recordID).Scan(&fieldsJSON, &fieldTimesJSON, &updatedAt, &version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached record: %w", err)
	}

	record := types.Record{
		Kind:     kind,
		RecordID: recordID,
		UserID:   userID,
		Version:  version,
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &record.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal cached fields: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldTimesJSON), &record.FieldTimes); err != nil {
		return nil, fmt.Errorf("unmarshal cached field times: %w", err)
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse cached updated_at: %w", err)
	}

	return &record, nil
}

// PutCachedRecord replaces the local cached copy of a record.
func (s *SQLiteStore) PutCachedRecord(ctx context.Context, record *types.Record, syncedAt *time.Time) error {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	fieldTimes := record.FieldTimes
	if fieldTimes == nil {
		fieldTimes = map[string]time.Time{}
	}
	times, err := json.Marshal(fieldTimes)
	if err != nil {
		return fmt.Errorf("marshal field times: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO record_cache
			(user_id, record_kind, record_id, fields, field_times, updated_at, version, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.UserID, string(record.Kind), record.RecordID, string(fields),
		string(times), formatTime(record.UpdatedAt), record.Version,
		nullableTime(syncedAt))
	if err != nil {
		return fmt.Errorf("put cached record: %w", err)
	}
	return nil
}

// DeleteCachedRecord removes the local cached copy of a record.
func (s *SQLiteStore) DeleteCachedRecord(ctx context.Context, userID string, kind types.RecordKind, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM record_cache WHERE user_id = ? AND record_kind = ? AND record_id = ?
	`, userID, string(kind), recordID)
	if err != nil {
		return fmt.Errorf("delete cached record: %w", err)
	}
	return nil
}
