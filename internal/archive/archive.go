// Package archive writes point-in-time copies of persisted snapshots to
// object storage. Archiving hangs off the autosave success path and is
// strictly best-effort: a failed upload is logged and forgotten, never
// retried, and never blocks persistence.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"groundwork/sync/internal/project"
)

const uploadTimeout = 30 * time.Second

// Archiver stores snapshot backups in a MinIO (or S3-compatible) bucket.
type Archiver struct {
	client *minio.Client
	bucket string
}

// Options configures an Archiver.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &Archiver{client: client, bucket: opts.Bucket}, nil
}

// Archive uploads one snapshot under <projectID>/<updatedAt>.json.
func (a *Archiver) Archive(ctx context.Context, projectID string, snap *project.Snapshot) error {
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("%s/%d.json", projectID, snap.UpdatedAt)
	_, err = a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ArchiveAsync fires an upload without blocking the autosave path.
func (a *Archiver) ArchiveAsync(projectID string, snap *project.Snapshot) {
	clone := snap.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err := a.Archive(ctx, projectID, clone); err != nil {
			log.Printf("archive: project %s: %v", projectID, err)
		}
	}()
}
