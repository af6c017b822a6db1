package feed

import (
	"context"
	"io"
	"time"
)

// Catalog lists the feeds available for sampling.
type Catalog interface {
	ListFeeds(ctx context.Context) ([]Descriptor, error)
}

// Fetcher retrieves the raw bytes of a feed.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) ([]byte, error)
}

// BlobStore writes archive objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobReader reads objects back from a blob store. A missing object yields an
// error wrapping fs.ErrNotExist.
type BlobReader interface {
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes upload notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// KeyStore resolves a secret reference into its plaintext value.
type KeyStore interface {
	Get(ctx context.Context, reference string) (string, error)
}

// Hasher computes digests for upload integrity records.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// FetchRequest captures everything needed to fetch a feed.
type FetchRequest struct {
	FeedID   string
	URL      string
	Auth     Auth
	APIKey   string
	Deadline time.Duration
}
