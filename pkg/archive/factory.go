package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects the retention backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewStoreFromEnv builds the archive selected by environment variables.
//
//   - ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the fs backend (default "data")
//
// For S3:
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := BackendType(os.Getenv("ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFSStore(filepath.Join(dataDir, "packs"))
	case BackendS3:
		return newS3FromEnv(ctx)
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}

func newS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
