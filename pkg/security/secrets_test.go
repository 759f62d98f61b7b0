package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVault struct {
	secrets map[string]string
	err     error
	calls   int
}

func (v *fakeVault) GetSecret(ctx context.Context, name string) (string, error) {
	v.calls++
	if v.err != nil {
		return "", v.err
	}
	return v.secrets[name], nil
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("TEST_SECRET", "hunter2")
	value, ref, err := EnvLoader{}.GetSecret(context.Background(), "TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
	assert.Equal(t, "env", ref.Source)
	assert.Equal(t, "TEST_SECRET", ref.Name)
}

func TestEnvLoaderMissingAndEmpty(t *testing.T) {
	var missing *SecretNotFoundError

	_, _, err := EnvLoader{}.GetSecret(context.Background(), "TEST_SECRET_NOT_SET")
	require.ErrorAs(t, err, &missing)

	t.Setenv("TEST_SECRET_EMPTY", "")
	_, _, err = EnvLoader{}.GetSecret(context.Background(), "TEST_SECRET_EMPTY")
	require.ErrorAs(t, err, &missing)
}

func TestChainFallsThroughToVault(t *testing.T) {
	vault := &fakeVault{secrets: map[string]string{"api-key": "vault-value"}}
	chain := &ChainLoader{Loaders: []SecretLoader{
		EnvLoader{},
		&VaultLoader{VaultURL: "https://vault.example.com", Client: vault},
	}}

	value, ref, err := chain.GetSecret(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "vault-value", value)
	assert.Equal(t, "vault", ref.Source)
}

func TestChainCachesVaultHits(t *testing.T) {
	vault := &fakeVault{secrets: map[string]string{"api-key": "vault-value"}}
	chain := &ChainLoader{Loaders: []SecretLoader{
		&VaultLoader{VaultURL: "https://vault.example.com", Client: vault},
	}}

	for range 3 {
		_, _, err := chain.GetSecret(context.Background(), "api-key")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, vault.calls)
}

func TestVaultFailureDoesNotFallThrough(t *testing.T) {
	vault := &fakeVault{err: errors.New("connection refused")}
	sentinel := &stubLoader{value: "default-key"}
	chain := &ChainLoader{Loaders: []SecretLoader{
		&VaultLoader{VaultURL: "https://vault.example.com", Client: vault},
		sentinel,
	}}

	_, _, err := chain.GetSecret(context.Background(), "api-key")
	require.Error(t, err)
	var missing *SecretNotFoundError
	assert.False(t, errors.As(err, &missing))
	assert.Zero(t, sentinel.calls)
}

type stubLoader struct {
	value string
	calls int
}

func (s *stubLoader) GetSecret(ctx context.Context, name string) (string, SecretRef, error) {
	s.calls++
	return s.value, SecretRef{Name: name, Source: "stub"}, nil
}

func TestFingerprintKeyFromEnv(t *testing.T) {
	t.Setenv(EnvFingerprintKey, "key-material")
	key, err := FingerprintKey(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), key)
}

func TestFingerprintKeyMissingIsTyped(t *testing.T) {
	// No env var, no vault: a typed miss, never a silent default.
	t.Setenv(EnvFingerprintKey, "")
	_, err := FingerprintKey(context.Background(), nil)
	var missing *SecretNotFoundError
	require.ErrorAs(t, err, &missing)
}

func TestFingerprintDeterministic(t *testing.T) {
	key := []byte("key-material")
	fp1 := Fingerprint(key, "sk-secret-value")
	fp2 := Fingerprint(key, "sk-secret-value")
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
	assert.NotEqual(t, fp1, Fingerprint(key, "other-value"))
	assert.NotEqual(t, fp1, Fingerprint([]byte("other-key"), "sk-secret-value"))
}
