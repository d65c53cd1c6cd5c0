package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsAPI struct {
	values map[string]string
	calls  []string
}

func (f *fakeSecretsAPI) GetSecretValueWithContext(ctx aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.StringValue(in.SecretId)
	f.calls = append(f.calls, id)
	v, ok := f.values[id]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

var now = time.Date(2025, 12, 15, 8, 0, 0, 0, time.UTC)

func TestNewManager(t *testing.T) {
	m, err := NewManager(Config{Backend: "env"})
	require.NoError(t, err)
	assert.IsType(t, EnvironmentManager{}, m)

	_, err = NewManager(Config{Backend: "vault"})
	assert.Error(t, err)
}

func TestResolveCredentials_Environment(t *testing.T) {
	t.Setenv(KeyCRMToken, "tok")
	t.Setenv(KeyCRMInstance, "acme")
	t.Setenv(KeyDatastoreAPIKey, "anon")

	creds, err := ResolveCredentials(context.Background(), EnvironmentManager{}, time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, "tok", creds.CRMToken)
	assert.Equal(t, "acme", creds.CRMInstance)
	assert.Equal(t, "anon", creds.DatastoreBearer())
	assert.True(t, creds.ExpiresAt.IsZero())
}

func TestResolveCredentials_MissingToken(t *testing.T) {
	t.Setenv(KeyCRMToken, "")
	t.Setenv(KeyCRMInstance, "acme")

	_, err := ResolveCredentials(context.Background(), EnvironmentManager{}, time.Hour, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyCRMToken)
}

func TestResolveCredentials_AWS(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{
		"funnelsync/SPRINTHUB_TOKEN":         "tok",
		"funnelsync/SPRINTHUB_INSTANCE":      "acme",
		"funnelsync/DATASTORE_SERVICE_TOKEN": "service",
	}}
	m := NewAWSSecretsManagerWithClient(api, Config{Prefix: "funnelsync/", CacheDuration: time.Minute})

	creds, err := ResolveCredentials(context.Background(), m, 12*time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, "service", creds.DatastoreBearer())
	assert.Equal(t, now.Add(12*time.Hour), creds.ExpiresAt)
	assert.False(t, creds.Expired(now.Add(time.Hour)))
	assert.True(t, creds.Expired(now.Add(12*time.Hour)))
}

func TestAWSSecretsManager_Cache(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{"p/KEY": "v1"}}
	m := NewAWSSecretsManagerWithClient(api, Config{Prefix: "p/", CacheDuration: time.Minute})
	clock := now
	m.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		v, err := m.GetSecret(context.Background(), "KEY")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Len(t, api.calls, 1)

	clock = clock.Add(2 * time.Minute)
	api.values["p/KEY"] = "v2"
	v, err := m.GetSecret(context.Background(), "KEY")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Len(t, api.calls, 2)
}

func TestAWSSecretsManager_JSON(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{"bundle": `{"token":"t"}`}}
	m := NewAWSSecretsManagerWithClient(api, Config{CacheDuration: time.Minute})

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, m.GetSecretJSON(context.Background(), "bundle", &out))
	assert.Equal(t, "t", out.Token)

	assert.Error(t, m.GetSecretJSON(context.Background(), "missing", &out))
}
