// Package vault seals short-lived credentials (the password of a deferred
// signup) for storage until the tenant account can be created.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1."
	hkdfInfo     = "navalha pending-signup credential v1"

	// MinSecretLength is the shortest operator secret accepted for key derivation.
	MinSecretLength = 32
)

// ErrSealedInvalid is returned when sealed input is malformed, was produced
// under another key, or has been tampered with.
var ErrSealedInvalid = errors.New("sealed credential is invalid")

// Vault encrypts and decrypts credentials with XChaCha20-Poly1305.
type Vault struct {
	key []byte
}

// New derives the vault key from secret.
func New(secret string) (*Vault, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("vault secret must be at least %d characters", MinSecretLength)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Seal encrypts plaintext and returns a printable token.
func (v *Vault) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed string) (string, error) {
	body, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrSealedInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", ErrSealedInvalid
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedInvalid
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealedInvalid
	}
	return string(plaintext), nil
}
