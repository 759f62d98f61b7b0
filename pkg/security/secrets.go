package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
)

// SecretRef is the audit-safe record of a secret: its name, where it came
// from, and the HMAC fingerprint of its value. It never carries the value.
type SecretRef struct {
	Name        string
	Fingerprint string
	Source      string // "env" or "vault"
}

// SecretNotFoundError reports a secret absent from a loader. It is the
// only loader error a fallback chain advances past.
type SecretNotFoundError struct {
	Name   string
	Source string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("security: secret %q not found in %s", e.Name, e.Source)
}

// SecretLoader retrieves one secret by name.
type SecretLoader interface {
	GetSecret(ctx context.Context, name string) (string, SecretRef, error)
}

// EnvLoader reads secrets from environment variables. An empty variable
// counts as missing; whitespace-only values are the caller's business.
type EnvLoader struct{}

func (EnvLoader) GetSecret(ctx context.Context, name string) (string, SecretRef, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", SecretRef{}, &SecretNotFoundError{Name: name, Source: "env"}
	}
	return value, SecretRef{Name: name, Source: "env"}, nil
}

// VaultClient fetches a named secret from a key vault. Implementations
// wrap the actual vault SDK or HTTP surface.
type VaultClient interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// VaultLoader retrieves secrets from a key vault. A retrieval failure is
// surfaced as-is: it must never silently fall back to a default key.
type VaultLoader struct {
	VaultURL string
	Client   VaultClient
}

func (l *VaultLoader) GetSecret(ctx context.Context, name string) (string, SecretRef, error) {
	if l.Client == nil {
		return "", SecretRef{}, fmt.Errorf("security: vault %s has no client configured", l.VaultURL)
	}
	value, err := l.Client.GetSecret(ctx, name)
	if err != nil {
		return "", SecretRef{}, fmt.Errorf("security: vault %s: secret %q: %w", l.VaultURL, name, err)
	}
	if value == "" {
		return "", SecretRef{}, &SecretNotFoundError{Name: name, Source: "vault"}
	}
	return value, SecretRef{Name: name, Source: "vault"}, nil
}

// ChainLoader tries loaders in order. Only SecretNotFoundError advances
// to the next loader; any other failure stops the chain so a broken vault
// cannot be papered over by a default.
type ChainLoader struct {
	Loaders []SecretLoader

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value string
	ref   SecretRef
}

// GetSecret resolves a secret through the chain, caching the first hit so
// a vault is consulted at most once per secret per process.
func (c *ChainLoader) GetSecret(ctx context.Context, name string) (string, SecretRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit, ok := c.cache[name]; ok {
		return hit.value, hit.ref, nil
	}

	var notFound error
	for _, loader := range c.Loaders {
		value, ref, err := loader.GetSecret(ctx, name)
		if err == nil {
			if c.cache == nil {
				c.cache = make(map[string]cachedSecret)
			}
			c.cache[name] = cachedSecret{value: value, ref: ref}
			return value, ref, nil
		}
		var missing *SecretNotFoundError
		if !errors.As(err, &missing) {
			return "", SecretRef{}, err
		}
		notFound = err
	}
	if notFound == nil {
		notFound = &SecretNotFoundError{Name: name, Source: "chain"}
	}
	return "", SecretRef{}, notFound
}

// EnvFingerprintKey names the environment variable holding the secret
// fingerprint key; the vault secret name is configured separately.
const EnvFingerprintKey = "ELSPETH_FINGERPRINT_KEY"

// FingerprintKey resolves the HMAC key used to fingerprint secrets in
// persisted settings: environment first, then the vault when one is
// configured. Missing everywhere is a typed error, never a default key.
func FingerprintKey(ctx context.Context, vault *VaultLoader) ([]byte, error) {
	loaders := []SecretLoader{EnvLoader{}}
	if vault != nil {
		loaders = append(loaders, vault)
	}
	chain := &ChainLoader{Loaders: loaders}
	value, _, err := chain.GetSecret(ctx, EnvFingerprintKey)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Fingerprint computes the HMAC-SHA256 fingerprint of a secret value.
// Settings persisted to the audit store carry this instead of the value.
func Fingerprint(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
