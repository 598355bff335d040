package config

import (
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService namespaces entries in the OS keyring.
const keyringService = "revos"

// StoreSecret saves a client secret in the OS keyring under the client ID.
func StoreSecret(clientID, secret string) error {
	if clientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if err := keyring.Set(keyringService, clientID, secret); err != nil {
		return fmt.Errorf("writing secret to keyring: %w", err)
	}
	return nil
}

// DeleteSecret removes a stored client secret. Missing entries are not an
// error.
func DeleteSecret(clientID string) error {
	err := keyring.Delete(keyringService, clientID)
	if err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("deleting secret from keyring: %w", err)
	}
	return nil
}

func lookupSecret(clientID string) (string, error) {
	secret, err := keyring.Get(keyringService, clientID)
	if err != nil {
		return "", fmt.Errorf("reading secret from keyring: %w", err)
	}
	return secret, nil
}
