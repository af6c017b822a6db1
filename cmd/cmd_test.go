package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// setupConfig writes a static catalog with one readable local feed, one
// locked feed and one deprecated feed, and returns the config file path.
func setupConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	payload := writeFile(t, dir, "payload.pb", "")
	feeds := writeFile(t, dir, "feeds.yaml", fmt.Sprintf(`feeds:
  - id: local
    name: Local Capture
    endpoint: file://%s
  - id: locked
    endpoint: https://example.com/locked.pb
    auth:
      type: header
      param_name: x-api-key
  - id: old
    endpoint: https://example.com/old.pb
    status: deprecated
`, payload))
	cfg := writeFile(t, dir, "config.yaml", fmt.Sprintf(`catalog:
  provider: static
  feeds_file: %s
logging:
  development: false
%s`, feeds, extra))
	return cfg, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListFeeds(t *testing.T) {
	t.Parallel()
	cfg, _ := setupConfig(t, "")

	out, err := execute(t, "list-feeds", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Local Capture")
	assert.Contains(t, out, "locked")
	assert.Contains(t, out, "auth required")
	assert.Contains(t, out, "Total feeds:   3")
	assert.Contains(t, out, "Deprecated:    1")
	assert.Contains(t, out, "Processable:   1")
}

func TestSampleHonorsFlagOverrides(t *testing.T) {
	t.Parallel()
	cfg, dir := setupConfig(t, "")
	outDir := filepath.Join(dir, "archive")

	out, err := execute(t, "sample", "--config", cfg,
		"--samples", "2", "--interval", "1ms", "--output-dir", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "completed: 2 of 2 rounds over 1 feeds")

	matches, err := filepath.Glob(filepath.Join(outDir, "agency_id=local", "date=*.csv"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
}

func TestSampleInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg, _ := setupConfig(t, "")

	_, err := execute(t, "sample", "--config", cfg, "--concurrency", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampler.concurrency")
}

func TestAnalyzeAppendsRow(t *testing.T) {
	t.Parallel()
	cfg, dir := setupConfig(t, "")
	payload := filepath.Join(dir, "payload.pb")
	output := filepath.Join(dir, "data.csv")

	out, err := execute(t, "analyze", payload, "--config", cfg, "--output", output, "--feed-id", "cap")
	require.NoError(t, err)
	assert.Contains(t, out, "total_entities\t0")
	assert.Contains(t, out, "vehicles\t0")

	// #nosec G304 -- test reads from its temp directory.
	f, err := os.Open(output)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cap", rows[1][1])
}

func TestAnalyzeMalformedPayload(t *testing.T) {
	t.Parallel()
	cfg, dir := setupConfig(t, "")
	bad := writeFile(t, dir, "bad.pb", string([]byte{0xFF, 0xFE, 0x00, 0x01}))
	output := filepath.Join(dir, "data.csv")

	_, err := execute(t, "analyze", bad, "--config", cfg, "--output", output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse_error")
	assert.NoFileExists(t, output)
}

func TestAnalyzeRequiresAuthParamWithKey(t *testing.T) {
	t.Parallel()
	cfg, dir := setupConfig(t, "")

	_, err := execute(t, "analyze", filepath.Join(dir, "payload.pb"), "--config", cfg, "--api-key", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--auth-param")
}

func TestAggregateNeedsBlobStore(t *testing.T) {
	t.Parallel()
	cfg, _ := setupConfig(t, "")

	_, err := execute(t, "aggregate", "--config", cfg, "--date", "2025-03-14")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob store")
}

func TestAggregateWritesToLocalStore(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	cfg, dir := setupConfig(t, fmt.Sprintf(`storage:
  provider: local
  base_dir: %s
`, base))
	outDir := filepath.Join(dir, "archive")
	// an archive day produced by a previous sample run
	_, err := execute(t, "sample", "--config", cfg, "--samples", "1", "--output-dir", outDir)
	require.NoError(t, err)
	today := time.Now().UTC().Format(dateLayout)

	out, err := execute(t, "aggregate", "--config", cfg, "--output-dir", outDir, "--date", today)
	require.NoError(t, err)
	assert.Contains(t, out, "graded 1 feeds for "+today)
	assert.FileExists(t, filepath.Join(base, "aggregates", "feeds.json"))
}

func TestParseDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 14, 0, 30, 0, 0, time.UTC)

	d, err := parseDate("", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2024-02-29", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = parseDate("14/03/2025", now)
	require.Error(t, err)
}
