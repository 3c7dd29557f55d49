// Package vault encrypts connection secrets at rest with a key derived from
// one platform-wide secret.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMissingKey is a configuration error: the process must not start without key material.
var ErrMissingKey = errors.New("vault: key material is not configured")

const tokenPrefix = "v1:"

type Vault struct {
	key [chacha20poly1305.KeySize]byte
}

func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingKey
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// Encrypt seals plaintext under a fresh random nonce, so repeated calls with the
// same input produce different tokens.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt returns "" for any token it cannot open.
func (v *Vault) Decrypt(token string) string {
	if v == nil || !strings.HasPrefix(token, tokenPrefix) {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return ""
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return ""
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return ""
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}
