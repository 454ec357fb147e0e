package credsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/helixcare/syncd/internal/audit"
	"github.com/helixcare/syncd/internal/crypto"
	"github.com/helixcare/syncd/internal/queue"
	"github.com/helixcare/syncd/internal/store"
	"github.com/helixcare/syncd/internal/trust"
	"github.com/helixcare/syncd/internal/types"
)

// captureEnqueuer records enqueue requests without a real queue.
type captureEnqueuer struct {
	requests []queue.EnqueueRequest
}

func (e *captureEnqueuer) Enqueue(_ context.Context, req queue.EnqueueRequest) (*types.QueueItem, bool, error) {
	e.requests = append(e.requests, req)
	return &types.QueueItem{ID: "item-1"}, true, nil
}

type stubVerifier struct {
	accept bool
}

func (v stubVerifier) Verify(context.Context, string, string) (bool, error) {
	return v.accept, nil
}

// failingCipher always fails to encrypt.
type failingCipher struct{}

func (failingCipher) Encrypt([]byte) (types.EncryptedField, error) {
	return types.EncryptedField{}, crypto.ErrCipherUnavailable
}

func (failingCipher) Decrypt(types.EncryptedField) ([]byte, error) {
	return nil, crypto.ErrCipherUnavailable
}

func testCipher(t *testing.T) crypto.Cipher {
	t.Helper()
	cipher, err := crypto.NewAESGCM(crypto.DeriveKey([]byte("passphrase"), []byte("test-salt")))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return cipher
}

func newTestService(t *testing.T, cipher crypto.Cipher, verifier MFAVerifier) (*Service, *trust.Registry, *captureEnqueuer) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "credsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := trust.NewRegistry(st, audit.NopSink{}, logger)
	enqueuer := &captureEnqueuer{}
	return NewService(cipher, registry, enqueuer, verifier, audit.NopSink{}, logger), registry, enqueuer
}

func registerAt(t *testing.T, registry *trust.Registry, level types.TrustLevel) *types.Device {
	t.Helper()
	ctx := context.Background()
	device, err := registry.Register(ctx, "user-1", "fp-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if level >= types.TrustBasic {
		if _, err := registry.MarkLogin(ctx, device.ID); err != nil {
			t.Fatalf("login: %v", err)
		}
	}
	if level >= types.TrustTrusted {
		if _, err := registry.Elevate(ctx, device.ID, level, trust.MFAEvidence{Verified: true, Method: "totp"}); err != nil {
			t.Fatalf("elevate: %v", err)
		}
	}
	return device
}

func TestAPIKeysRequireBasicTrust(t *testing.T) {
	svc, registry, enqueuer := newTestService(t, testCipher(t), nil)
	device := registerAt(t, registry, types.TrustUntrusted)

	res := svc.SyncAPIKeys(context.Background(), "user-1", device.ID, map[string]string{"openai": "sk-test"})
	if res.Success {
		t.Error("untrusted device must not sync api keys")
	}
	if len(enqueuer.requests) != 0 {
		t.Error("nothing may be enqueued on a gate failure")
	}
}

func TestAPIKeysSyncAtBasicTrust(t *testing.T) {
	svc, registry, enqueuer := newTestService(t, testCipher(t), nil)
	device := registerAt(t, registry, types.TrustBasic)

	res := svc.SyncAPIKeys(context.Background(), "user-1", device.ID, map[string]string{"openai": "sk-test"})
	if !res.Success {
		t.Fatalf("basic device must sync api keys: %s", res.Reason)
	}

	if len(enqueuer.requests) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(enqueuer.requests))
	}
	req := enqueuer.requests[0]
	if !req.EncryptionRequired || !req.Sensitive {
		t.Error("credential items must be marked encrypted and sensitive")
	}
	if req.Kind != types.KindCredential {
		t.Errorf("expected credential kind, got %s", req.Kind)
	}
	if req.Priority != credentialPriority {
		t.Errorf("expected priority %d, got %d", credentialPriority, req.Priority)
	}
}

func TestMFASecretsRequireTrusted(t *testing.T) {
	svc, registry, _ := newTestService(t, testCipher(t), nil)
	device := registerAt(t, registry, types.TrustBasic)
	ctx := context.Background()

	res := svc.SyncMFASecrets(ctx, "user-1", device.ID, map[string]string{"totp": "JBSWY3DP"})
	if res.Success {
		t.Error("basic device must not sync mfa secrets")
	}

	if _, err := registry.Elevate(ctx, device.ID, types.TrustTrusted, trust.MFAEvidence{Verified: true, Method: "totp"}); err != nil {
		t.Fatalf("elevate: %v", err)
	}
	res = svc.SyncMFASecrets(ctx, "user-1", device.ID, map[string]string{"totp": "JBSWY3DP"})
	if !res.Success {
		t.Errorf("trusted device must sync mfa secrets: %s", res.Reason)
	}
}

func TestRevokedDeviceDeniedAsOutcome(t *testing.T) {
	svc, registry, _ := newTestService(t, testCipher(t), nil)
	device := registerAt(t, registry, types.TrustTrusted)
	ctx := context.Background()

	if err := registry.Revoke(ctx, device.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	res := svc.SyncMFASecrets(ctx, "user-1", device.ID, map[string]string{"totp": "JBSWY3DP"})
	if res.Success {
		t.Error("revoked device must be denied")
	}
	if res.Reason != "device is revoked" {
		t.Errorf("expected revocation reason, got %q", res.Reason)
	}
}

func TestPayloadNeverContainsPlaintext(t *testing.T) {
	svc, registry, enqueuer := newTestService(t, testCipher(t), nil)
	device := registerAt(t, registry, types.TrustTrusted)

	secret := "hunter2-super-secret"
	res := svc.SyncMFASecrets(context.Background(), "user-1", device.ID, map[string]string{"totp": secret})
	if !res.Success {
		t.Fatalf("sync: %s", res.Reason)
	}

	payload := string(enqueuer.requests[0].Payload)
	if payload == "" {
		t.Fatal("expected payload")
	}
	if containsPlaintext(payload, secret) {
		t.Error("queue payload must not contain the plaintext secret")
	}

	var bundle types.CredentialBundle
	if err := json.Unmarshal(enqueuer.requests[0].Payload, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	fields, err := svc.DecryptBundle(&bundle)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if fields["totp"] != secret {
		t.Errorf("roundtrip mismatch: %q", fields["totp"])
	}
}

func containsPlaintext(payload, secret string) bool {
	for i := 0; i+len(secret) <= len(payload); i++ {
		if payload[i:i+len(secret)] == secret {
			return true
		}
	}
	return false
}

func TestEncryptionFailureFailsClosed(t *testing.T) {
	svc, registry, enqueuer := newTestService(t, failingCipher{}, nil)
	device := registerAt(t, registry, types.TrustTrusted)

	res := svc.SyncMFASecrets(context.Background(), "user-1", device.ID, map[string]string{"totp": "JBSWY3DP"})
	if res.Success {
		t.Error("encryption failure must fail the sync")
	}
	if len(enqueuer.requests) != 0 {
		t.Error("nothing may be enqueued when encryption fails")
	}
}

func TestVerifyDeviceForSyncElevates(t *testing.T) {
	svc, registry, _ := newTestService(t, testCipher(t), stubVerifier{accept: true})
	device := registerAt(t, registry, types.TrustBasic)
	ctx := context.Background()

	res := svc.VerifyDeviceForSync(ctx, "user-1", device.ID, "123456")
	if !res.Success {
		t.Fatalf("verify: %s", res.Reason)
	}

	got, err := registry.Authorize(ctx, device.ID, types.TrustTrusted)
	if err != nil {
		t.Fatalf("device should now pass the trusted gate: %v", err)
	}
	if got.TrustLevel != types.TrustTrusted {
		t.Errorf("expected trusted, got %s", got.TrustLevel)
	}
}

func TestVerifyDeviceForSyncRejectedCode(t *testing.T) {
	svc, registry, _ := newTestService(t, testCipher(t), stubVerifier{accept: false})
	device := registerAt(t, registry, types.TrustBasic)
	ctx := context.Background()

	res := svc.VerifyDeviceForSync(ctx, "user-1", device.ID, "000000")
	if res.Success {
		t.Error("rejected code must not elevate")
	}

	if _, err := registry.Authorize(ctx, device.ID, types.TrustTrusted); err == nil {
		t.Error("device must still fail the trusted gate")
	}
}
