// Package trust implements the device trust registry. Trust only moves
// forward through untrusted, basic, trusted, verified; revocation is terminal
// and absorbs every later transition. The registry is authoritative: claims a
// device presents about itself never override stored state.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/types"
)

var (
	// ErrDeviceRevoked means the device is terminally revoked.
	ErrDeviceRevoked = errors.New("device is revoked")

	// ErrInsufficientTrust means the device's trust level does not meet the
	// operation's requirement.
	ErrInsufficientTrust = errors.New("insufficient trust level")

	// ErrMFARequired means elevation was attempted without MFA evidence.
	ErrMFARequired = errors.New("mfa verification required for elevation")
)

// Store is the subset of the local store the registry needs.
type Store interface {
	InsertDevice(ctx context.Context, device *types.Device) error
	GetDevice(ctx context.Context, deviceID string) (*types.Device, error)
	GetDeviceByFingerprint(ctx context.Context, userID, fingerprint string) (*types.Device, error)
	UpdateTrustLevel(ctx context.Context, deviceID string, level types.TrustLevel, now time.Time) error
	TouchDevice(ctx context.Context, deviceID string, now time.Time) error
	RevokeDevice(ctx context.Context, deviceID string, now time.Time) error
	ListDevices(ctx context.Context, userID string) ([]types.Device, error)
	CountDevices(ctx context.Context, userID string) (int, error)
}

// MFAEvidence carries the outcome of an out-of-band MFA check.
type MFAEvidence struct {
	Verified bool
	Method   string
}

// Registry manages device identities and their trust state.
type Registry struct {
	store  Store
	sink   audit.Sink
	logger *slog.Logger
}

// NewRegistry creates a trust registry.
func NewRegistry(st Store, sink audit.Sink, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		sink:   sink,
		logger: logger.With("component", "trust"),
	}
}

// Register registers a device by (user, fingerprint). Idempotent: a known
// fingerprint returns the existing device with its earned trust intact. A
// revoked fingerprint is never resurrected.
func (r *Registry) Register(ctx context.Context, userID, fingerprint string) (*types.Device, error) {
	existing, err := r.store.GetDeviceByFingerprint(ctx, userID, fingerprint)
	if err == nil {
		if existing.Revoked() {
			r.sink.Record(ctx, audit.New(audit.EventRevokedSyncAttempt, userID, existing.ID, map[string]any{
				"fingerprint": fingerprint,
			}))
			return existing, ErrDeviceRevoked
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrDeviceNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	device := &types.Device{
		ID:           ulid.Make().String(),
		UserID:       userID,
		Fingerprint:  fingerprint,
		TrustLevel:   types.TrustUntrusted,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := r.store.InsertDevice(ctx, device); err != nil {
		return nil, err
	}

	r.sink.Record(ctx, audit.New(audit.EventDeviceRegistered, userID, device.ID, map[string]any{
		"fingerprint": fingerprint,
	}))
	r.logger.Info("device registered",
		"action", "register",
		"device_id", device.ID,
		"user_id", userID)
	return device, nil
}

// MarkLogin records a successful login on a device. An untrusted device earns
// basic trust; higher levels are untouched.
func (r *Registry) MarkLogin(ctx context.Context, deviceID string) (*types.Device, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		r.sink.Record(ctx, audit.New(audit.EventRevokedSyncAttempt, device.UserID, device.ID, nil))
		return device, ErrDeviceRevoked
	}

	now := time.Now().UTC()
	if device.TrustLevel >= types.TrustBasic {
		if err := r.store.TouchDevice(ctx, deviceID, now); err != nil {
			return nil, err
		}
		device.LastSeen = now
		return device, nil
	}

	if err := r.store.UpdateTrustLevel(ctx, deviceID, types.TrustBasic, now); err != nil {
		return nil, err
	}
	device.TrustLevel = types.TrustBasic
	device.LastSeen = now

	r.sink.Record(ctx, audit.New(audit.EventTrustElevated, device.UserID, device.ID, map[string]any{
		"from": types.TrustUntrusted.String(),
		"to":   types.TrustBasic.String(),
	}))
	r.logger.Info("trust elevated",
		"action", "elevate",
		"device_id", deviceID,
		"to", types.TrustBasic.String())
	return device, nil
}

// Elevate raises a device to target. Targets at or above trusted require MFA
// evidence; a lower or equal target is a no-op rather than a downgrade.
func (r *Registry) Elevate(ctx context.Context, deviceID string, target types.TrustLevel, evidence MFAEvidence) (*types.Device, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		r.sink.Record(ctx, audit.New(audit.EventRevokedSyncAttempt, device.UserID, device.ID, nil))
		return device, ErrDeviceRevoked
	}
	if target <= device.TrustLevel {
		return device, nil
	}
	if target >= types.TrustTrusted && !evidence.Verified {
		r.sink.Record(ctx, audit.New(audit.EventTrustDenied, device.UserID, device.ID, map[string]any{
			"target": target.String(),
			"reason": "mfa not verified",
		}))
		return device, ErrMFARequired
	}

	now := time.Now().UTC()
	previous := device.TrustLevel
	if err := r.store.UpdateTrustLevel(ctx, deviceID, target, now); err != nil {
		return nil, err
	}
	device.TrustLevel = target
	device.LastSeen = now

	r.sink.Record(ctx, audit.New(audit.EventTrustElevated, device.UserID, device.ID, map[string]any{
		"from":   previous.String(),
		"to":     target.String(),
		"method": evidence.Method,
	}))
	r.logger.Info("trust elevated",
		"action", "elevate",
		"device_id", deviceID,
		"from", previous.String(),
		"to", target.String())
	return device, nil
}

// Revoke terminally revokes a device. Idempotent.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	if err := r.store.RevokeDevice(ctx, deviceID, time.Now().UTC()); err != nil {
		return err
	}

	r.sink.Record(ctx, audit.New(audit.EventDeviceRevoked, device.UserID, device.ID, map[string]any{
		"trust_level": device.TrustLevel.String(),
	}))
	r.logger.Warn("device revoked", "action", "revoke", "device_id", deviceID)
	return nil
}

// Authorize checks a device against a required trust level. Revocation is
// checked first so a revoked device is rejected no matter what it asks for.
func (r *Registry) Authorize(ctx context.Context, deviceID string, required types.TrustLevel) (*types.Device, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Revoked() {
		r.sink.Record(ctx, audit.New(audit.EventRevokedSyncAttempt, device.UserID, device.ID, map[string]any{
			"required": required.String(),
		}))
		return device, ErrDeviceRevoked
	}
	if device.TrustLevel < required {
		r.sink.Record(ctx, audit.New(audit.EventTrustDenied, device.UserID, device.ID, map[string]any{
			"required": required.String(),
			"actual":   device.TrustLevel.String(),
		}))
		return device, fmt.Errorf("%w: have %s, need %s", ErrInsufficientTrust, device.TrustLevel, required)
	}
	return device, nil
}

// Devices returns all non-revoked devices for a user.
func (r *Registry) Devices(ctx context.Context, userID string) ([]types.Device, error) {
	return r.store.ListDevices(ctx, userID)
}

// DeviceCount returns the number of non-revoked devices for a user.
func (r *Registry) DeviceCount(ctx context.Context, userID string) (int, error) {
	return r.store.CountDevices(ctx, userID)
}
