package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "mailsort"

// Secrets held in the system keyring.
const (
	KeyTokenPassphrase = "token-passphrase"
	KeyClassifierAPI   = "classifier-api-key"
)

var (
	// ErrUnknownSecret is returned for a keyring entry mailsort does not use.
	ErrUnknownSecret = errors.New("unknown secret")

	// ErrSecretNotFound is returned when a known entry has no value.
	ErrSecretNotFound = errors.New("secret not set")
)

var knownSecrets = map[string]string{
	KeyTokenPassphrase: "mailsort token encryption passphrase",
	KeyClassifierAPI:   "mailsort classifier API key",
}

// Known reports whether key names a secret mailsort stores.
func Known(key string) bool {
	_, ok := knownSecrets[key]
	return ok
}

// openKeyring opens the mailsort service. The file backend, used when no
// OS keychain is reachable, lives next to the default config file.
func openKeyring() (keyring.Keyring, error) {
	dir := "~/.config/mailsort/secrets"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".config", "mailsort", "secrets")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s keyring: %w", serviceName, err)
	}
	return ring, nil
}

// Get returns the value of a known secret. A missing or empty entry is
// reported as ErrSecretNotFound.
func Get(key string) (string, error) {
	if !Known(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownSecret, key)
	}
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) || (err == nil && len(item.Data) == 0) {
		return "", fmt.Errorf("%s: %w", key, ErrSecretNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a known secret, replacing any previous value.
func Set(key, value string) error {
	if !Known(key) {
		return fmt.Errorf("%w: %q", ErrUnknownSecret, key)
	}
	if value == "" {
		return fmt.Errorf("secret %s: empty value", key)
	}
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       knownSecrets[key],
		Description: knownSecrets[key],
	})
	if err != nil {
		return fmt.Errorf("storing secret %s: %w", key, err)
	}
	return nil
}

// Delete removes a known secret. Removing an absent secret succeeds.
// Deleting the token passphrase makes stored tokens unreadable.
func Delete(key string) error {
	if !Known(key) {
		return fmt.Errorf("%w: %q", ErrUnknownSecret, key)
	}
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("removing secret %s: %w", key, err)
	}
	return nil
}

// Resolve returns override when it is non-empty, otherwise the keyring
// value for key. When generate is set and the keyring has no entry, a
// random value is created and stored.
func Resolve(override, key string, generate bool) (string, error) {
	if override != "" {
		return override, nil
	}

	value, err := Get(key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrSecretNotFound) || !generate {
		return "", err
	}

	value, err = RandomPassphrase()
	if err != nil {
		return "", err
	}
	if err := Set(key, value); err != nil {
		return "", err
	}
	return value, nil
}
