// Package localfetcher reads feed payloads from the local filesystem, for
// file:// endpoints and saved captures, and classifies endpoints by source.
package localfetcher

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// Fetcher implements feed.Fetcher for file:// URLs and bare paths.
type Fetcher struct{}

// New creates a local Fetcher.
func New() *Fetcher {
	return &Fetcher{}
}

// Fetch reads the whole file named by the request URL.
func (f *Fetcher) Fetch(ctx context.Context, request feed.FetchRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read canceled: %w", err)
	}
	path, err := Path(request.URL)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- reading operator-provided feed captures is the point of this fetcher.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed file: %w", err)
	}
	return data, nil
}

// Source says where an endpoint is read from.
type Source int

// Endpoint sources.
const (
	SourceUnsupported Source = iota
	SourceHTTP
	SourceFile
	SourcePath
)

// Classify returns the source of endpoint. Schemes compare case-insensitively;
// an endpoint without a scheme is a bare filesystem path.
func Classify(endpoint string) Source {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return SourceUnsupported
	}
	scheme, _, found := strings.Cut(endpoint, "://")
	if !found {
		return SourcePath
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		return SourceHTTP
	case "file":
		return SourceFile
	default:
		return SourceUnsupported
	}
}

// Path converts a file:// URL or bare path into a filesystem path.
func Path(endpoint string) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("path is required")
	}
	switch Classify(endpoint) {
	case SourcePath:
		return endpoint, nil
	case SourceFile:
	default:
		return "", fmt.Errorf("%q is not a file endpoint", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file url %q has no path", endpoint)
	}
	return u.Path, nil
}
