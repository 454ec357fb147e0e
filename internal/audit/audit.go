// Package audit delivers structured security events to a fire-and-forget
// sink. Sink failures never block or fail the sync path.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventTrustElevated      EventType = "trust_elevated"
	EventTrustDenied        EventType = "trust_denied"
	EventDeviceRegistered   EventType = "device_registered"
	EventDeviceRevoked      EventType = "device_revoked"
	EventRevokedSyncAttempt EventType = "revoked_sync_attempt"
	EventConflictDetected   EventType = "conflict_detected"
	EventConflictResolved   EventType = "conflict_resolved"
	EventCredentialSync     EventType = "credential_sync"
	EventCredentialDenied   EventType = "credential_denied"
)

// Event is one structured audit record.
type Event struct {
	Type     EventType
	UserID   string
	DeviceID string
	Detail   map[string]any
	At       time.Time
}

// Sink receives audit events. Implementations must not block the caller;
// errors are swallowed by the caller.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// SlogSink writes audit events through slog. This is the default sink when no
// external audit pipeline is configured.
type SlogSink struct{}

// Record logs the event. Never returns an error; audit is best-effort.
func (SlogSink) Record(_ context.Context, event Event) {
	attrs := []any{
		"component", "audit",
		"action", string(event.Type),
		"user_id", event.UserID,
		"device_id", event.DeviceID,
	}
	for k, v := range event.Detail {
		attrs = append(attrs, k, v)
	}
	slog.Info("audit event", attrs...)
}

// NopSink discards all events. Used in tests.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

// New returns an Event stamped with the current time.
func New(eventType EventType, userID, deviceID string, detail map[string]any) Event {
	return Event{
		Type:     eventType,
		UserID:   userID,
		DeviceID: deviceID,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
}
