// Package static loads a fixed feed list from a YAML file.
package static

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

type document struct {
	Feeds []feed.Descriptor `yaml:"feeds"`
}

// Catalog serves descriptors read once from disk.
type Catalog struct {
	feeds []feed.Descriptor
}

// Load reads path, a YAML document with a top-level "feeds" list.
func Load(path string) (*Catalog, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a feeds document. Missing auth types default to none and
// missing statuses to active.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse feeds file: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Feeds))
	for i := range doc.Feeds {
		d := &doc.Feeds[i]
		if d.ID == "" {
			return nil, fmt.Errorf("feed %d: id is required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("feed %s: duplicate id", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.Auth.Type == "" {
			d.Auth.Type = feed.AuthNone
		}
		switch d.Auth.Type {
		case feed.AuthNone, feed.AuthURLParam, feed.AuthHeader:
		default:
			return nil, fmt.Errorf("feed %s: unknown auth type %q", d.ID, d.Auth.Type)
		}
		if d.Status == "" {
			d.Status = feed.LifecycleActive
		}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
	return &Catalog{feeds: doc.Feeds}, nil
}

// ListFeeds returns a copy of the loaded descriptors.
func (c *Catalog) ListFeeds(_ context.Context) ([]feed.Descriptor, error) {
	return append([]feed.Descriptor(nil), c.feeds...), nil
}
