package trust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/types"
)

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) Record(_ context.Context, event audit.Event) {
	s.events = append(s.events, event)
}

func (s *captureSink) has(eventType audit.EventType) bool {
	for _, e := range s.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func newTestRegistry(t *testing.T) (*Registry, *captureSink) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sink := &captureSink{}
	return NewRegistry(st, sink, slog.New(slog.NewTextHandler(io.Discard, nil))), sink
}

func TestRegisterIdempotent(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "user-1", "fp-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.TrustLevel != types.TrustUntrusted {
		t.Errorf("new device must start untrusted, got %s", first.TrustLevel)
	}
	if !sink.has(audit.EventDeviceRegistered) {
		t.Error("expected device_registered audit event")
	}

	// Earn some trust, then register the same fingerprint again.
	if _, err := r.MarkLogin(ctx, first.ID); err != nil {
		t.Fatalf("mark login: %v", err)
	}

	second, err := r.Register(ctx, "user-1", "fp-1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected existing device %s, got %s", first.ID, second.ID)
	}
	if second.TrustLevel != types.TrustBasic {
		t.Errorf("re-registration must keep earned trust, got %s", second.TrustLevel)
	}
}

func TestMarkLoginElevatesUntrustedOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	device, err := r.Register(ctx, "user-1", "fp-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	device, err = r.MarkLogin(ctx, device.ID)
	if err != nil {
		t.Fatalf("mark login: %v", err)
	}
	if device.TrustLevel != types.TrustBasic {
		t.Errorf("expected basic after login, got %s", device.TrustLevel)
	}

	// Elevate beyond basic, then log in again: trust must not move.
	device, err = r.Elevate(ctx, device.ID, types.TrustTrusted, MFAEvidence{Verified: true, Method: "totp"})
	if err != nil {
		t.Fatalf("elevate: %v", err)
	}
	device, err = r.MarkLogin(ctx, device.ID)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if device.TrustLevel != types.TrustTrusted {
		t.Errorf("login must not change trusted level, got %s", device.TrustLevel)
	}
}

func TestElevateRequiresMFA(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	device, _ := r.Register(ctx, "user-1", "fp-1")
	if _, err := r.MarkLogin(ctx, device.ID); err != nil {
		t.Fatalf("mark login: %v", err)
	}

	_, err := r.Elevate(ctx, device.ID, types.TrustTrusted, MFAEvidence{Verified: false})
	if !errors.Is(err, ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}
	if !sink.has(audit.EventTrustDenied) {
		t.Error("expected trust_denied audit event")
	}

	got, err := r.Authorize(ctx, device.ID, types.TrustBasic)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.TrustLevel != types.TrustBasic {
		t.Errorf("failed elevation must not change level, got %s", got.TrustLevel)
	}
}

func TestElevateNeverDowngrades(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	device, _ := r.Register(ctx, "user-1", "fp-1")
	if _, err := r.MarkLogin(ctx, device.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := r.Elevate(ctx, device.ID, types.TrustVerified, MFAEvidence{Verified: true, Method: "totp"}); err != nil {
		t.Fatalf("elevate: %v", err)
	}

	// A lower target is a silent no-op, not a downgrade.
	got, err := r.Elevate(ctx, device.ID, types.TrustBasic, MFAEvidence{Verified: true})
	if err != nil {
		t.Fatalf("re-elevate: %v", err)
	}
	if got.TrustLevel != types.TrustVerified {
		t.Errorf("trust must be monotonic, got %s", got.TrustLevel)
	}
}

func TestRevokedDeviceIsTerminal(t *testing.T) {
	r, sink := newTestRegistry(t)
	ctx := context.Background()

	device, _ := r.Register(ctx, "user-1", "fp-1")
	if _, err := r.MarkLogin(ctx, device.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := r.Revoke(ctx, device.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !sink.has(audit.EventDeviceRevoked) {
		t.Error("expected device_revoked audit event")
	}

	// No path out of revoked: not login, not elevation, not re-registration.
	if _, err := r.MarkLogin(ctx, device.ID); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("login on revoked: expected ErrDeviceRevoked, got %v", err)
	}
	if _, err := r.Elevate(ctx, device.ID, types.TrustTrusted, MFAEvidence{Verified: true}); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("elevate on revoked: expected ErrDeviceRevoked, got %v", err)
	}
	if _, err := r.Register(ctx, "user-1", "fp-1"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("re-register revoked fingerprint: expected ErrDeviceRevoked, got %v", err)
	}

	if _, err := r.Authorize(ctx, device.ID, types.TrustUntrusted); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("authorize revoked: expected ErrDeviceRevoked, got %v", err)
	}
	if !sink.has(audit.EventRevokedSyncAttempt) {
		t.Error("expected revoked_sync_attempt audit event")
	}

	// Revoking twice is fine.
	if err := r.Revoke(ctx, device.ID); err != nil {
		t.Errorf("second revoke must be idempotent, got %v", err)
	}
}

func TestAuthorizeTrustGate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	device, _ := r.Register(ctx, "user-1", "fp-1")
	if _, err := r.MarkLogin(ctx, device.ID); err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := r.Authorize(ctx, device.ID, types.TrustBasic); err != nil {
		t.Errorf("basic device must pass basic gate: %v", err)
	}
	if _, err := r.Authorize(ctx, device.ID, types.TrustTrusted); !errors.Is(err, ErrInsufficientTrust) {
		t.Errorf("basic device must fail trusted gate, got %v", err)
	}
}

func TestDeviceCountExcludesRevoked(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.Register(ctx, "user-1", "fp-a")
	if _, err := r.Register(ctx, "user-1", "fp-b"); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := r.Revoke(ctx, a.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	count, err := r.DeviceCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 active device, got %d", count)
	}
}

func TestPresentedClaimsDoNotOverrideRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	key := []byte("test-claims-key")

	device, _ := r.Register(ctx, "user-1", "fp-1")
	if _, err := r.MarkLogin(ctx, device.ID); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := r.Elevate(ctx, device.ID, types.TrustTrusted, MFAEvidence{Verified: true, Method: "totp"}); err != nil {
		t.Fatalf("elevate: %v", err)
	}

	// Token minted while the device was trusted.
	token, err := MintClaims(device.ID, device.Fingerprint, types.TrustTrusted, key)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := r.AuthorizePresented(ctx, token, key, types.TrustTrusted); err != nil {
		t.Fatalf("pre-revocation token should authorize: %v", err)
	}

	// Revoke, then present the same still-valid token.
	if err := r.Revoke(ctx, device.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.AuthorizePresented(ctx, token, key, types.TrustTrusted); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("revoked device must fail despite valid claims, got %v", err)
	}
}

func TestParseClaimsRejectsWrongKey(t *testing.T) {
	token, err := MintClaims("dev-1", "fp-1", types.TrustTrusted, []byte("key-a"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseClaims(token, []byte("key-b")); err == nil {
		t.Error("claims signed with a different key must not parse")
	}
}
