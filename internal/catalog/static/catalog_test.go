package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

const feedsYAML = `
feeds:
  - id: local-1
    endpoint: /data/vehicle_positions.pb
  - id: metro
    name: Metro Transit
    endpoint: https://metro.example.com/vp.pb
    status: deprecated
    auth:
      type: url_param
      param_name: api_key
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(feedsYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	feeds, err := c.ListFeeds(context.Background())
	require.NoError(t, err)
	require.Len(t, feeds, 2)

	assert.Equal(t, "local-1", feeds[0].Name)
	assert.Equal(t, feed.AuthNone, feeds[0].Auth.Type)
	assert.Equal(t, feed.LifecycleActive, feeds[0].Status)
	assert.Equal(t, feed.Auth{Type: feed.AuthURLParam, ParamName: "api_key"}, feeds[1].Auth)
	assert.Equal(t, feed.LifecycleDeprecated, feeds[1].Status)
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"missing id":   "feeds:\n  - endpoint: x\n",
		"duplicate id": "feeds:\n  - id: a\n  - id: a\n",
		"bad auth":     "feeds:\n  - id: a\n    auth:\n      type: oauth\n",
		"bad yaml":     "feeds: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestListFeedsReturnsCopy(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte("feeds:\n  - id: a\n    endpoint: x\n"))
	require.NoError(t, err)
	first, _ := c.ListFeeds(context.Background())
	first[0].ID = "mutated"
	second, _ := c.ListFeeds(context.Background())
	assert.Equal(t, "a", second[0].ID)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
