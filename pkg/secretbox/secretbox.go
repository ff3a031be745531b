// Package secretbox encrypts webhook signing secrets at rest with
// XChaCha20-Poly1305.
package secretbox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "hookrelay secretbox v1"

// MinKeySize is the minimum length of key material accepted by New.
const MinKeySize = chacha20poly1305.KeySize

var (
	// ErrKeyTooShort is returned when the key material is under 32 bytes.
	ErrKeyTooShort = errors.New("secretbox: key material must be at least 32 bytes")
	// ErrDecrypt is returned for ciphertext that is truncated, tampered
	// with, or sealed under another key.
	ErrDecrypt = errors.New("secretbox: decryption failed")
)

// Box seals and opens secrets under one key.
type Box struct {
	aead cipher.AEAD
}

// New derives an encryption key from material (at least 32 bytes, e.g.
// the contents of a mounted secret file).
func New(material []byte) (*Box, error) {
	if len(material) < MinKeySize {
		return nil, ErrKeyTooShort
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The output is nonce || ciphertext || tag.
// ref is bound as additional data so a sealed value cannot be moved to
// another row.
func (b *Box) Seal(plaintext []byte, ref string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secretbox: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, []byte(ref)), nil
}

// Open decrypts a value produced by Seal with the same ref.
func (b *Box) Open(sealed []byte, ref string) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(ref))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
