package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key length.
	KeySize = 32
	// nonceSize is the secretbox nonce length.
	nonceSize = 24
)

// ErrOpen is returned when a sealed blob fails authentication.
var ErrOpen = errors.New("decryption failed")

// Seal encrypts plaintext using NaCl SecretBox (XSalsa20-Poly1305).
// Format: [nonce (24 bytes)][encrypted data + auth tag]
func Seal(plaintext []byte, key *[KeySize]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("missing key")
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to the nonce slice, yielding nonce||ciphertext.
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed []byte, key *[KeySize]byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("missing key")
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("encrypted data too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// KeyFromBytes copies a raw key into the fixed-size array secretbox expects.
func KeyFromBytes(raw []byte) (*[KeySize]byte, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d)", len(raw), KeySize)
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
