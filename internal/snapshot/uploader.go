// Package snapshot ships encrypted copies of the local database to
// S3-compatible storage. When no bucket is configured the NoopUploader keeps
// the system local-only and all uploads are skipped.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/helixcare/syncd/internal/config"
	"github.com/helixcare/syncd/internal/crypto"
)

// ErrNotConfigured is returned when snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Uploader ships one snapshot file to backup storage.
type Uploader interface {
	// Upload encrypts and uploads the snapshot file at filePath under the
	// given node name.
	Upload(ctx context.Context, nodeID string, filePath string) error
}

// s3Client is the minimal minio surface the uploader needs. An interface so
// tests can substitute a mock.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, data []byte) error
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// S3Uploader encrypts snapshots and uploads them to S3-compatible storage.
// Snapshots leave the machine only as ciphertext.
type S3Uploader struct {
	client s3Client
	cipher crypto.Cipher
	bucket string
}

var _ Uploader = (*S3Uploader)(nil)

// Upload reads, encrypts, and uploads the snapshot.
func (u *S3Uploader) Upload(ctx context.Context, nodeID string, filePath string) error {
	plain, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	sealed, err := u.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt snapshot: %w", err)
	}
	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("encode snapshot envelope: %w", err)
	}

	if err := u.client.PutObject(ctx, u.bucket, objectKey(nodeID), payload); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// NoopUploader is used when snapshot storage is not configured.
type NoopUploader struct{}

// Upload is a no-op in local-only mode.
func (NoopUploader) Upload(context.Context, string, string) error {
	return nil
}

// NewUploader creates the appropriate Uploader from configuration. An empty
// bucket selects the NoopUploader.
func NewUploader(cfg config.SnapshotConfig, cipher crypto.Cipher) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}
	// A configured bucket without a real cipher fails here, at startup, not on
	// every upload tick.
	if _, unavailable := cipher.(crypto.Unavailable); cipher == nil || unavailable {
		return nil, fmt.Errorf("snapshot uploads require an encryption key: %w", crypto.ErrCipherUnavailable)
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot storage client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		cipher: cipher,
		bucket: cfg.Bucket,
	}, nil
}

// objectKey returns the fixed object key for a node's snapshot. Each upload
// replaces the previous one; versioning, if wanted, lives on the bucket.
func objectKey(nodeID string) string {
	return fmt.Sprintf("snapshots/%s/syncd.db.enc", nodeID)
}
