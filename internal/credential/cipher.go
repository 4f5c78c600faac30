package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encPrefix        = "v1:"
	keyIterations    = 100000
	keyLength        = 32
	passphraseLength = 32
)

// ErrNotEncrypted is returned when a stored value lacks the cipher prefix.
var ErrNotEncrypted = errors.New("value is not encrypted with the expected v1: prefix")

// Cipher encrypts provider tokens at rest with AES-256-GCM. The key is
// derived from a passphrase with PBKDF2-SHA256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from passphrase and salt.
func NewCipher(passphrase, salt string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("token passphrase must not be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns "v1:" followed by base64(nonce || ciphertext). The empty
// string encrypts to the empty string so "no token" stays recognisable.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return "", ErrNotEncrypted
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}
	return string(pt), nil
}

// RandomPassphrase returns a base64 encoded random passphrase.
func RandomPassphrase() (string, error) {
	buf := make([]byte, passphraseLength)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generating passphrase: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
