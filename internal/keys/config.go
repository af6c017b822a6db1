// Package keys resolves per-feed API keys from a reference file and a
// secret store: SSM Parameter Store by default, or Secrets Manager.
package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// LoadConfig reads a JSON object mapping feed IDs to secret references:
//
//	{"mdb-123": "/gtfs/feeds/mdb-123/api_key"}
//
// An empty path yields an empty mapping.
func LoadConfig(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key config: %w", err)
	}
	refs := map[string]string{}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parse key config: %w", err)
	}
	return refs, nil
}

// Store providers accepted by NewStore.
const (
	ProviderSSM            = "ssm"
	ProviderSecretsManager = "secretsmanager"
)

// NewStore builds the key store for provider on the default AWS credential
// chain. An empty provider means SSM.
func NewStore(ctx context.Context, provider string) (feed.KeyStore, error) {
	switch provider {
	case ProviderSSM, "":
		return NewParameterStore(ctx)
	case ProviderSecretsManager:
		return NewSecretStore(ctx)
	default:
		return nil, fmt.Errorf("unknown key store provider %q", provider)
	}
}

// Resolve looks up every reference in store and returns feed ID to plaintext
// key. A reference that fails to resolve is logged and left out, so that feed
// is treated as unkeyed.
func Resolve(ctx context.Context, store feed.KeyStore, refs map[string]string, logger *zap.Logger) map[string]string {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(map[string]string, len(refs))
	if store == nil || len(refs) == 0 {
		return out
	}

	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		value, err := store.Get(ctx, refs[id])
		if err != nil {
			logger.Warn("feed key unavailable; feed treated as unkeyed",
				zap.String("feed_id", id),
				zap.String("reference", refs[id]),
				zap.Error(err),
			)
			continue
		}
		if value == "" {
			logger.Warn("feed key is empty", zap.String("feed_id", id))
			continue
		}
		out[id] = value
	}
	logger.Info("feed keys resolved", zap.Int("configured", len(refs)), zap.Int("resolved", len(out)))
	return out
}
