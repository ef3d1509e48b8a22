// Package crypt obfuscates short claim values, such as email addresses,
// before they are embedded in a signed but readable token.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMissingSecret = errors.New("crypt: secret is required")
	ErrCiphertext    = errors.New("crypt: invalid ciphertext")
)

type Box struct {
	key [chacha20poly1305.KeySize]byte
}

// NewBox derives a XChaCha20-Poly1305 key from secret.
func NewBox(secret string) (*Box, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	return &Box{key: blake2b.Sum256([]byte(secret))}, nil
}

func (b *Box) Encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (b *Box) Decrypt(encoded string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertext
	}

	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}
