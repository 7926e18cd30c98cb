// Package vault resolves the upstream credential. Lookup order is an explicit
// flag value, then CONSTRUCT_API_KEY, then OPENROUTER_API_KEY, then the OS
// keyring (Secret Service, Keychain or Credential Manager).
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// Service is the keyring service name.
	Service = "neural-construct"
	// Account is the keyring entry holding the upstream API key.
	Account = "api_key"

	EnvAPIKey           = "CONSTRUCT_API_KEY"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
)

// ErrNoCredential is returned when no source holds a credential.
var ErrNoCredential = errors.New("no API key configured")

// Source names where a credential came from.
type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceKeyring Source = "keyring"
)

// Resolve returns the first non-empty credential in lookup order.
func Resolve(flagValue string) (string, Source, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, SourceFlag, nil
	}
	for _, name := range []string{EnvAPIKey, EnvOpenRouterAPIKey} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, SourceEnv, nil
		}
	}
	v, err := Load()
	switch {
	case err == nil:
		return v, SourceKeyring, nil
	case errors.Is(err, ErrNoCredential):
		return "", "", fmt.Errorf("%w: pass --api-key, set %s or run `construct key set`", ErrNoCredential, EnvAPIKey)
	default:
		return "", "", err
	}
}

// Store saves key in the OS keyring, replacing any previous value.
func Store(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty API key")
	}
	if err := keyring.Set(Service, Account, key); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// Load reads the key from the OS keyring.
func Load() (string, error) {
	v, err := keyring.Get(Service, Account)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && v == "") {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring: %w", err)
	}
	return v, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func Delete() error {
	err := keyring.Delete(Service, Account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting from keyring: %w", err)
	}
	return nil
}

// Mask hides all but the last four characters of key.
func Mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:3] + strings.Repeat("*", len(key)-7) + key[len(key)-4:]
}
