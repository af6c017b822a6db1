// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

type writerFunc func(ctx context.Context, path, contentType string) io.WriteCloser

type readerFunc func(ctx context.Context, path string) (io.ReadCloser, error)

// BlobStore writes finalized archives to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	newWriter writerFunc
	newReader readerFunc
}

// New creates a GCS-backed blob store over an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	s := &BlobStore{client: client, bucket: cfg.Bucket}
	s.newWriter = func(ctx context.Context, path, contentType string) io.WriteCloser {
		w := client.Bucket(cfg.Bucket).Object(path).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	}
	s.newReader = func(ctx context.Context, path string) (io.ReadCloser, error) {
		return client.Bucket(cfg.Bucket).Object(path).NewReader(ctx)
	}
	return s, nil
}

// Open creates a client from Application Default Credentials and verifies
// the bucket is reachable so misconfiguration fails at startup.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("bucket %q attrs: %w (close client: %v)", cfg.Bucket, err, closeErr)
		}
		return nil, fmt.Errorf("bucket %q attrs: %w", cfg.Bucket, err)
	}
	return New(client, cfg)
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.newWriter(ctx, path, contentType)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", path, err)
	}
	// Close commits the upload.
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// GetObject opens the object at path. A missing object wraps fs.ErrNotExist.
func (s *BlobStore) GetObject(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.newReader(ctx, path)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("read object %s: %w", path, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return r, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
