package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/helixcare/syncd/internal/config"
	"github.com/helixcare/syncd/internal/crypto"
	"github.com/helixcare/syncd/internal/types"
)

type mockClient struct {
	bucket  string
	objects map[string][]byte
}

func (m *mockClient) PutObject(_ context.Context, bucket, objectName string, data []byte) error {
	m.bucket = bucket
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[objectName] = data
	return nil
}

func testCipher(t *testing.T) crypto.Cipher {
	t.Helper()
	cipher, err := crypto.NewAESGCM(crypto.DeriveKey([]byte("passphrase"), []byte("salt")))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return cipher
}

func TestUploadEncryptsSnapshot(t *testing.T) {
	cipher := testCipher(t)
	client := &mockClient{}
	uploader := &S3Uploader{client: client, cipher: cipher, bucket: "backups"}

	content := "sqlite snapshot contents with secrets inside"
	path := filepath.Join(t.TempDir(), "syncd.db.snapshot")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := uploader.Upload(context.Background(), "node-1", path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	key := objectKey("node-1")
	payload, ok := client.objects[key]
	if !ok {
		t.Fatalf("expected object at %s, got %v", key, client.objects)
	}
	if strings.Contains(string(payload), content) {
		t.Error("uploaded snapshot must not contain plaintext")
	}

	var sealed types.EncryptedField
	if err := json.Unmarshal(payload, &sealed); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	plain, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != content {
		t.Errorf("roundtrip mismatch: %q", plain)
	}
}

func TestUploadMissingFile(t *testing.T) {
	uploader := &S3Uploader{client: &mockClient{}, cipher: testCipher(t), bucket: "backups"}
	if err := uploader.Upload(context.Background(), "node-1", "/does/not/exist"); err == nil {
		t.Error("expected error for missing snapshot file")
	}
}

func TestNewUploaderUnconfigured(t *testing.T) {
	uploader, err := NewUploader(config.SnapshotConfig{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := uploader.(*NoopUploader); !ok {
		t.Errorf("expected NoopUploader, got %T", uploader)
	}
	if err := uploader.Upload(context.Background(), "node-1", "ignored"); err != nil {
		t.Errorf("noop upload must succeed, got %v", err)
	}
}

func TestNewUploaderRequiresCipher(t *testing.T) {
	cfg := config.SnapshotConfig{Bucket: "backups", Endpoint: "s3.example.com"}
	if _, err := NewUploader(cfg, nil); err == nil {
		t.Error("configured bucket without a cipher must fail")
	}
	// The fail-closed placeholder cipher must be rejected at startup too, not
	// discovered on the first upload tick.
	if _, err := NewUploader(cfg, crypto.Unavailable{}); err == nil {
		t.Error("configured bucket without a passphrase must fail")
	}
}
