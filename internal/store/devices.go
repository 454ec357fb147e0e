package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/helixcare/syncd/internal/types"
)

const deviceColumns = `id, user_id, fingerprint, trust_level, registered_at, last_seen, revoked_at`

// InsertDevice persists a newly registered device.
func (s *SQLiteStore) InsertDevice(ctx context.Context, device *types.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, device.ID, device.UserID, device.Fingerprint, int(device.TrustLevel),
		formatTime(device.RegisteredAt), formatTime(device.LastSeen),
		nullableTime(device.RevokedAt))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetDevice returns a device by id.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM user_devices WHERE id = ?
	`, deviceID)
	return scanDeviceRow(row)
}

// GetDeviceByFingerprint returns a user's device by fingerprint.
func (s *SQLiteStore) GetDeviceByFingerprint(ctx context.Context, userID, fingerprint string) (*types.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM user_devices
		WHERE user_id = ? AND fingerprint = ?
	`, userID, fingerprint)
	return scanDeviceRow(row)
}

// UpdateTrustLevel raises a device's trust level. The WHERE clause enforces
// monotonicity at the storage layer: a lower or equal level never overwrites.
func (s *SQLiteStore) UpdateTrustLevel(ctx context.Context, deviceID string, level types.TrustLevel, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_devices SET trust_level = ?, last_seen = ?
		WHERE id = ? AND trust_level < ? AND revoked_at IS NULL
	`, int(level), formatTime(now), deviceID, int(level))
	if err != nil {
		return fmt.Errorf("update trust level: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trust level: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchDevice updates a device's last-seen timestamp.
func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_devices SET last_seen = ? WHERE id = ?
	`, formatTime(now), deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// RevokeDevice marks a device as terminally revoked. Idempotent: an already
// revoked device keeps its original revocation time.
func (s *SQLiteStore) RevokeDevice(ctx context.Context, deviceID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_devices SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL
	`, formatTime(now), deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if affected == 0 {
		// Either unknown or already revoked; distinguish for the caller.
		if _, getErr := s.GetDevice(ctx, deviceID); getErr != nil {
			return ErrDeviceNotFound
		}
	}
	return nil
}

// ListDevices returns all non-revoked devices for a user.
func (s *SQLiteStore) ListDevices(ctx context.Context, userID string) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+` FROM user_devices
		WHERE user_id = ? AND revoked_at IS NULL
		ORDER BY registered_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// CountDevices returns the number of non-revoked devices for a user.
func (s *SQLiteStore) CountDevices(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_devices WHERE user_id = ? AND revoked_at IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

func scanDeviceRow(row *sql.Row) (*types.Device, error) {
	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

func scanDevice(scanner interface{ Scan(...any) error }) (*types.Device, error) {
	var device types.Device
	var trustLevel int
	var registeredAt, lastSeen string
	var revokedAt sql.NullString

	err := scanner.Scan(&device.ID, &device.UserID, &device.Fingerprint,
		&trustLevel, &registeredAt, &lastSeen, &revokedAt)
	if err != nil {
		return nil, err
	}

	device.TrustLevel = types.TrustLevel(trustLevel)
	if device.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	if device.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	if revokedAt.Valid {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse revoked_at: %w", err)
		}
		device.RevokedAt = &t
	}

	return &device, nil
}
