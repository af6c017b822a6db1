package keys

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type mockSecrets struct {
	values map[string]string
	calls  []string
}

func (m *mockSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.ToString(in.SecretId)
	m.calls = append(m.calls, id)
	v, ok := m.values[id]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	if v == "<binary>" {
		return &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1}}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

type mockParameters struct {
	values map[string]string
	inputs []*ssm.GetParameterInput
}

func (m *mockParameters) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.inputs = append(m.inputs, in)
	name := aws.ToString(in.Name)
	v, ok := m.values[name]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	if v == "<nil>" {
		return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mdb-1":"gtfs/mdb-1","mdb-2":"gtfs/mdb-2"}`), 0o600))

	refs, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"mdb-1": "gtfs/mdb-1", "mdb-2": "gtfs/mdb-2"}, refs)

	empty, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`["not","an","object"]`), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestSecretStoreGet(t *testing.T) {
	t.Parallel()

	mock := &mockSecrets{values: map[string]string{"gtfs/mdb-1": "s3cr3t", "gtfs/bin": "<binary>"}}
	store, err := NewSecretStore(context.Background(), WithClient(mock))
	require.NoError(t, err)

	v, err := store.Get(context.Background(), "gtfs/mdb-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	_, err = store.Get(context.Background(), "gtfs/missing")
	assert.Error(t, err)

	_, err = store.Get(context.Background(), "gtfs/bin")
	assert.Error(t, err)
}

func TestParameterStoreGet(t *testing.T) {
	t.Parallel()

	mock := &mockParameters{values: map[string]string{
		"/gtfs/feeds/mdb-123/api_key": "s3cr3t",
		"/gtfs/feeds/mdb-9/api_key":   "<nil>",
	}}
	store, err := NewParameterStore(context.Background(), WithParametersClient(mock))
	require.NoError(t, err)

	v, err := store.Get(context.Background(), "/gtfs/feeds/mdb-123/api_key")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)
	require.Len(t, mock.inputs, 1)
	assert.True(t, aws.ToBool(mock.inputs[0].WithDecryption))

	_, err = store.Get(context.Background(), "/gtfs/feeds/missing/api_key")
	assert.Error(t, err)

	_, err = store.Get(context.Background(), "/gtfs/feeds/mdb-9/api_key")
	assert.Error(t, err)
}

func TestResolveThroughParameterStore(t *testing.T) {
	t.Parallel()

	mock := &mockParameters{values: map[string]string{"/gtfs/feeds/mdb-123/api_key": "k1"}}
	store, err := NewParameterStore(context.Background(), WithParametersClient(mock))
	require.NoError(t, err)

	got := Resolve(context.Background(), store, map[string]string{
		"mdb-123": "/gtfs/feeds/mdb-123/api_key",
		"mdb-456": "/gtfs/feeds/mdb-456/api_key",
	}, nil)
	assert.Equal(t, map[string]string{"mdb-123": "k1"}, got)
}

func TestNewStoreUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), "vault")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}

func TestResolveSkipsFailures(t *testing.T) {
	t.Parallel()

	mock := &mockSecrets{values: map[string]string{"gtfs/mdb-1": "k1", "gtfs/empty": ""}}
	store, err := NewSecretStore(context.Background(), WithClient(mock))
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	got := Resolve(context.Background(), store, map[string]string{
		"mdb-1": "gtfs/mdb-1",
		"mdb-2": "gtfs/missing",
		"mdb-3": "gtfs/empty",
	}, zap.New(core))

	assert.Equal(t, map[string]string{"mdb-1": "k1"}, got)
	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, []string{"gtfs/mdb-1", "gtfs/missing", "gtfs/empty"}, mock.calls)
}

func TestResolveWithoutStore(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Resolve(context.Background(), nil, map[string]string{"a": "b"}, nil))
}
