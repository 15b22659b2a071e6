package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service cloudslave secrets live under.
const KeyringService = "cloudslave"

const keyringPrefix = "keyring:"

// ErrSecretNotFound is returned when a referenced secret is missing.
var ErrSecretNotFound = errors.New("secret not found")

// SecretResolver looks up credentials referenced as keyring:<account>.
type SecretResolver interface {
	Secret(account string) (string, error)
}

// KeyringSecrets resolves secrets from the OS keychain.
type KeyringSecrets struct{}

func (KeyringSecrets) Secret(account string) (string, error) {
	value, err := keyring.Get(KeyringService, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrSecretNotFound
	}
	return value, err
}

// StoreSecret saves a credential so configs can reference it as keyring:<account>.
func StoreSecret(account, value string) error {
	return keyring.Set(KeyringService, account, value)
}

func resolveSecret(value string, secrets SecretResolver) (string, error) {
	account, ok := strings.CutPrefix(value, keyringPrefix)
	if !ok {
		return value, nil
	}
	if secrets == nil {
		return "", fmt.Errorf("secret %q: no secret resolver configured", account)
	}
	secret, err := secrets.Secret(account)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", account, err)
	}
	return secret, nil
}
