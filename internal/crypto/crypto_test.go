package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testCipher(t *testing.T) *AESGCM {
	t.Helper()
	key := DeriveKey([]byte("test-passphrase"), []byte("test-salt"))
	c, err := NewAESGCM(key)
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	return c
}

func TestAESGCM_RoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintext := []byte("sk-live-0123456789abcdef")
	field, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Contains(field.Data, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := c.Decrypt(field)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestAESGCM_UniqueNonces(t *testing.T) {
	c := testCipher(t)

	a, err := c.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two encryptions reused a nonce")
	}
	if bytes.Equal(a.Data, b.Data) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestAESGCM_TamperFailsClosed(t *testing.T) {
	c := testCipher(t)

	field, err := c.Encrypt([]byte("totp-secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	field.Data[0] ^= 0xff
	if _, err := c.Decrypt(field); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}

	var encErr *EncryptionError
	if _, err := c.Decrypt(field); !errors.As(err, &encErr) {
		t.Errorf("error = %v, want *EncryptionError", err)
	}
}

func TestAESGCM_BadNonceLength(t *testing.T) {
	c := testCipher(t)

	field, err := c.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	field.Nonce = field.Nonce[:4]

	if _, err := c.Decrypt(field); err == nil {
		t.Fatal("expected error for truncated nonce")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey([]byte("pass"), []byte("salt"))
	b := DeriveKey([]byte("pass"), []byte("salt"))
	if !bytes.Equal(a, b) {
		t.Error("same inputs produced different keys")
	}

	c := DeriveKey([]byte("pass"), []byte("other"))
	if bytes.Equal(a, c) {
		t.Error("different salts produced the same key")
	}
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
}
