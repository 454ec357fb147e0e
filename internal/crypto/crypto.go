// Package crypto provides the encryption service used for sensitive sync
// payloads. The default implementation is AES-256-GCM with an argon2id-derived
// key. Decryption fails closed: any tamper or corruption returns an error and
// never partial plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/helixcare/syncd/internal/types"
)

// ErrCipherUnavailable indicates the encryption subsystem is not configured.
var ErrCipherUnavailable = errors.New("encryption service unavailable")

// EncryptionError wraps a failure inside the encryption service. Callers treat
// it as terminal: payloads are never sent in the clear after one.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Cipher encrypts and decrypts individual sensitive fields.
type Cipher interface {
	Encrypt(plaintext []byte) (types.EncryptedField, error)
	Decrypt(field types.EncryptedField) ([]byte, error)
}

// AESGCM is the default Cipher. Safe for concurrent use.
type AESGCM struct {
	aead cipher.AEAD
}

// DeriveKey derives a 32-byte AES key from a passphrase and salt using
// argon2id with the recommended interactive parameters.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// NewAESGCM creates an AES-256-GCM cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &EncryptionError{Op: "init", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &EncryptionError{Op: "init", Err: err}
	}
	return &AESGCM{aead: aead}, nil
}

// Unavailable is the Cipher used when no passphrase is configured. Every
// operation fails with ErrCipherUnavailable so sensitive payloads never leave
// in the clear.
type Unavailable struct{}

func (Unavailable) Encrypt([]byte) (types.EncryptedField, error) {
	return types.EncryptedField{}, ErrCipherUnavailable
}

func (Unavailable) Decrypt(types.EncryptedField) ([]byte, error) {
	return nil, ErrCipherUnavailable
}

// Encrypt seals the plaintext with a fresh random nonce.
func (c *AESGCM) Encrypt(plaintext []byte) (types.EncryptedField, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return types.EncryptedField{}, &EncryptionError{Op: "nonce", Err: err}
	}

	data := c.aead.Seal(nil, nonce, plaintext, nil)
	return types.EncryptedField{Data: data, Nonce: nonce}, nil
}

// Decrypt opens the sealed field. The GCM tag check makes tampering fail
// closed with an EncryptionError.
func (c *AESGCM) Decrypt(field types.EncryptedField) ([]byte, error) {
	if len(field.Nonce) != c.aead.NonceSize() {
		return nil, &EncryptionError{Op: "decrypt", Err: errors.New("invalid nonce length")}
	}
	plaintext, err := c.aead.Open(nil, field.Nonce, field.Data, nil)
	if err != nil {
		return nil, &EncryptionError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}
