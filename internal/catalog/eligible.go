// Package catalog filters catalog feeds down to the set a run samples.
package catalog

import (
	"strings"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// Eligible returns the feeds that can be sampled: a non-empty endpoint, not
// deprecated, and either open or backed by a resolved key in keys.
// The input order is preserved.
func Eligible(feeds []feed.Descriptor, keys map[string]string) []feed.Descriptor {
	out := make([]feed.Descriptor, 0, len(feeds))
	for _, d := range feeds {
		if reason(d, keys) == "" {
			out = append(out, d)
		}
	}
	return out
}

// Reason explains why a feed is skipped, or returns "" if it is eligible.
func Reason(d feed.Descriptor, keys map[string]string) string {
	return reason(d, keys)
}

func reason(d feed.Descriptor, keys map[string]string) string {
	switch {
	case strings.TrimSpace(d.Endpoint) == "":
		return "no url"
	case d.Status == feed.LifecycleDeprecated:
		return "deprecated"
	case d.RequiresAuth() && keys[d.ID] == "":
		return "auth required"
	}
	return ""
}

// Summary counts catalog feeds by skip reason.
type Summary struct {
	Total        int `json:"total"`
	Deprecated   int `json:"deprecated"`
	AuthRequired int `json:"auth_required"`
	NoURL        int `json:"no_url"`
	Keyed        int `json:"keyed"`
	Processable  int `json:"processable"`
}

// Summarize tallies feeds the way list-feeds reports them. A feed counts
// toward every attribute it has, so the buckets may overlap.
func Summarize(feeds []feed.Descriptor, keys map[string]string) Summary {
	s := Summary{Total: len(feeds)}
	for _, d := range feeds {
		if d.Status == feed.LifecycleDeprecated {
			s.Deprecated++
		}
		if d.RequiresAuth() {
			s.AuthRequired++
			if keys[d.ID] != "" {
				s.Keyed++
			}
		}
		if strings.TrimSpace(d.Endpoint) == "" {
			s.NoURL++
		}
		if reason(d, keys) == "" {
			s.Processable++
		}
	}
	return s
}
