// Package snapshot archives decay-run summaries to S3-compatible storage.
// When archival is not configured the NoopArchiver is used and every upload
// is skipped, keeping the service free of any object-store dependency.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// Archiver persists one tenant's decay-run summary.
type Archiver interface {
	Archive(ctx context.Context, tc tenant.Context, runID string, snap memory.StabilitySnapshot) error
}

// s3Client is the minimal object-store surface the archiver needs. The
// indirection keeps tests off the network.
type s3Client interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// minioWrapper adapts *minio.Client to s3Client.
type minioWrapper struct {
	client *minio.Client
}

func (w *minioWrapper) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

// S3Archiver uploads summaries to an S3-compatible bucket.
type S3Archiver struct {
	client s3Client
	bucket string
}

// Archive uploads the snapshot as JSON under decay/<tenant>/<runID>.json.
func (a *S3Archiver) Archive(ctx context.Context, tc tenant.Context, runID string, snap memory.StabilitySnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := objectKey(tc, runID)
	if err := a.client.PutObject(ctx, a.bucket, key, body, "application/json"); err != nil {
		return fmt.Errorf("archive snapshot %s: %w", key, err)
	}
	return nil
}

// NoopArchiver is used when archival is not configured.
type NoopArchiver struct{}

// Archive is a no-op.
func (NoopArchiver) Archive(context.Context, tenant.Context, string, memory.StabilitySnapshot) error {
	return nil
}

// NewArchiver creates the archiver the configuration calls for: a
// NoopArchiver when disabled or bucketless, an S3Archiver otherwise.
func NewArchiver(cfg config.SnapshotConfig) (Archiver, error) {
	if !cfg.Enabled || cfg.Bucket == "" {
		return NoopArchiver{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object-store client: %w", err)
	}

	return &S3Archiver{
		client: &minioWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

func objectKey(tc tenant.Context, runID string) string {
	return "decay/" + tc.TenantID() + "/" + runID + ".json"
}
