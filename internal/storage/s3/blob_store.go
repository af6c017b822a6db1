// Package s3 provides a BlobStore backed by Amazon S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the subset of the S3 client used by BlobStore.
type API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config captures the target bucket.
type Config struct {
	Bucket string
}

// BlobStore writes finalized archives to an S3 bucket.
type BlobStore struct {
	client API
	bucket string
}

// Option configures a BlobStore.
type Option func(*BlobStore)

// WithClient sets a custom S3 client.
func WithClient(c API) Option {
	return func(s *BlobStore) { s.client = c }
}

// New creates an S3 blob store. Without WithClient it loads the default AWS
// credential chain.
func New(ctx context.Context, cfg Config, opts ...Option) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	s := &BlobStore{bucket: cfg.Bucket}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = s3.NewFromConfig(awsCfg)
	}
	return s, nil
}

// PutObject uploads the object and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	// signing needs a seekable body of known length
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("putting %s to S3: %w", path, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, path), nil
}

// GetObject opens the object at path. A missing key wraps fs.ErrNotExist.
func (s *BlobStore) GetObject(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, fmt.Errorf("getting %s from S3: %w", path, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s from S3: %w", path, err)
	}
	return out.Body, nil
}
