// Package credsync syncs sensitive credential fields. Every field is
// individually encrypted before it touches the queue, and each credential
// class carries its own trust gate. Gate failures are outcomes, not errors:
// the caller gets a Result saying why sync did not happen.
package credsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/crypto"
	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/trust"
	"github.com/helixcare/syncd/internal/types"
)

// credentialPriority puts credential items ahead of settings and profile
// items in the drain order.
const credentialPriority = 10

// trustGates maps each credential class to the minimum trust level a device
// needs before that class may leave the device.
var trustGates = map[types.CredentialClass]types.TrustLevel{
	types.CredentialAPIKey:      types.TrustBasic,
	types.CredentialMFASecret:   types.TrustTrusted,
	types.CredentialBackupCodes: types.TrustTrusted,
}

// Authorizer checks a device against a required trust level.
type Authorizer interface {
	Authorize(ctx context.Context, deviceID string, required types.TrustLevel) (*types.Device, error)
	Elevate(ctx context.Context, deviceID string, target types.TrustLevel, evidence trust.MFAEvidence) (*types.Device, error)
}

// Enqueuer adds items to the sync queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*types.QueueItem, bool, error)
}

// MFAVerifier checks an MFA code out of band.
type MFAVerifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// Result reports the outcome of a credential sync attempt.
type Result struct {
	Success  bool   `json:"success"`
	Enqueued bool   `json:"enqueued"`
	Reason   string `json:"reason,omitempty"`
}

// Service gates and encrypts credential sync.
type Service struct {
	cipher   crypto.Cipher
	authz    Authorizer
	enqueuer Enqueuer
	verifier MFAVerifier
	sink     audit.Sink
	logger   *slog.Logger
}

// NewService creates a credential sync service. verifier may be nil when no
// MFA backend is configured; VerifyDeviceForSync then always declines.
func NewService(cipher crypto.Cipher, authz Authorizer, enqueuer Enqueuer, verifier MFAVerifier, sink audit.Sink, logger *slog.Logger) *Service {
	return &Service{
		cipher:   cipher,
		authz:    authz,
		enqueuer: enqueuer,
		verifier: verifier,
		sink:     sink,
		logger:   logger.With("component", "credsync"),
	}
}

// SyncAPIKeys syncs API key material. Requires basic trust.
func (s *Service) SyncAPIKeys(ctx context.Context, userID, deviceID string, fields map[string]string) Result {
	return s.sync(ctx, userID, deviceID, types.CredentialAPIKey, fields)
}

// SyncMFASecrets syncs MFA secrets. Requires trusted.
func (s *Service) SyncMFASecrets(ctx context.Context, userID, deviceID string, fields map[string]string) Result {
	return s.sync(ctx, userID, deviceID, types.CredentialMFASecret, fields)
}

// SyncBackupCodes syncs backup codes. Requires trusted.
func (s *Service) SyncBackupCodes(ctx context.Context, userID, deviceID string, fields map[string]string) Result {
	return s.sync(ctx, userID, deviceID, types.CredentialBackupCodes, fields)
}

func (s *Service) sync(ctx context.Context, userID, deviceID string, class types.CredentialClass, fields map[string]string) Result {
	gate, ok := trustGates[class]
	if !ok {
		return Result{Reason: fmt.Sprintf("unknown credential class %q", class)}
	}
	if len(fields) == 0 {
		return Result{Reason: "no credential fields to sync"}
	}

	if _, err := s.authz.Authorize(ctx, deviceID, gate); err != nil {
		reason := "device not authorized for " + string(class)
		switch {
		case errors.Is(err, trust.ErrDeviceRevoked):
			reason = "device is revoked"
		case errors.Is(err, trust.ErrInsufficientTrust):
			reason = fmt.Sprintf("%s requires %s trust", class, gate)
		}
		s.sink.Record(ctx, audit.New(audit.EventCredentialDenied, userID, deviceID, map[string]any{
			"class":  string(class),
			"reason": reason,
		}))
		s.logger.Warn("credential sync denied",
			"action", "sync",
			"class", string(class),
			"device_id", deviceID,
			"reason", reason)
		return Result{Reason: reason}
	}

	bundle, err := s.encryptBundle(userID, class, fields)
	if err != nil {
		// Fail closed. A credential that cannot be encrypted never leaves
		// the device in any form.
		s.sink.Record(ctx, audit.New(audit.EventCredentialDenied, userID, deviceID, map[string]any{
			"class":  string(class),
			"reason": "encryption failure",
		}))
		s.logger.Error("credential encryption failed",
			"action", "sync",
			"class", string(class),
			"error", err)
		return Result{Reason: "encryption failed"}
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return Result{Reason: "encode bundle: " + err.Error()}
	}

	_, created, err := s.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		UserID:             userID,
		DeviceID:           deviceID,
		Operation:          types.OpUpdate,
		Kind:               types.KindCredential,
		RecordID:           string(class),
		Payload:            payload,
		Strategy:           types.StrategyLastWriteWins,
		Priority:           credentialPriority,
		EncryptionRequired: true,
		Sensitive:          true,
	})
	if err != nil {
		return Result{Reason: "enqueue: " + err.Error()}
	}

	s.sink.Record(ctx, audit.New(audit.EventCredentialSync, userID, deviceID, map[string]any{
		"class":  string(class),
		"fields": len(fields),
	}))
	s.logger.Info("credentials enqueued",
		"action", "sync",
		"class", string(class),
		"fields", len(fields),
		"deduplicated", !created)
	return Result{Success: true, Enqueued: created}
}

// encryptBundle encrypts every field individually. Any single failure aborts
// the whole bundle.
func (s *Service) encryptBundle(userID string, class types.CredentialClass, fields map[string]string) (*types.CredentialBundle, error) {
	bundle := &types.CredentialBundle{
		UserID: userID,
		Class:  class,
		Fields: make(map[string]types.EncryptedField, len(fields)),
	}
	for name, value := range fields {
		sealed, err := s.cipher.Encrypt([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		bundle.Fields[name] = sealed
	}
	return bundle, nil
}

// DecryptBundle opens every field of a received bundle. Used when applying a
// credential record pulled from the backing store.
func (s *Service) DecryptBundle(bundle *types.CredentialBundle) (map[string]string, error) {
	fields := make(map[string]string, len(bundle.Fields))
	for name, sealed := range bundle.Fields {
		plain, err := s.cipher.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s: %w", name, err)
		}
		fields[name] = string(plain)
	}
	return fields, nil
}

// VerifyDeviceForSync checks an MFA code and, on success, elevates the device
// to trusted so credential classes behind that gate become reachable.
func (s *Service) VerifyDeviceForSync(ctx context.Context, userID, deviceID, code string) Result {
	if s.verifier == nil {
		return Result{Reason: "mfa verification not configured"}
	}

	ok, err := s.verifier.Verify(ctx, userID, code)
	if err != nil {
		return Result{Reason: "mfa verification failed: " + err.Error()}
	}
	if !ok {
		s.sink.Record(ctx, audit.New(audit.EventTrustDenied, userID, deviceID, map[string]any{
			"reason": "mfa code rejected",
		}))
		return Result{Reason: "mfa code rejected"}
	}

	if _, err := s.authz.Elevate(ctx, deviceID, types.TrustTrusted, trust.MFAEvidence{Verified: true, Method: "totp"}); err != nil {
		if errors.Is(err, trust.ErrDeviceRevoked) {
			return Result{Reason: "device is revoked"}
		}
		return Result{Reason: "elevation failed: " + err.Error()}
	}
	return Result{Success: true}
}
