//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/quorumworks/council/pkg/audit"
)

// GCSStore keeps evidence packs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures the GCS retention backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed archive using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, pack audit.EvidencePack) (string, error) {
	key, err := objectKey(s.prefix, pack.SessionID)
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		// Packs are immutable; an existing object wins.
		return key, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	w.Metadata = map[string]string{"checksum": pack.Checksum}
	if _, err := w.Write(pack.Archive); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs commit %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	key, err := objectKey(s.prefix, sessionID)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	key, err := objectKey(s.prefix, sessionID)
	if err != nil {
		return false, err
	}

	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ Store = (*GCSStore)(nil)
