// Package crypt implements the vault's key hierarchy and authenticated cipher.
//
// A notebook's content is encrypted with a random 512-bit SymmetricKey. That
// key is itself stored encrypted ("protected") under a key stretched from the
// user's password, so changing the password only re-wraps one small blob.
package crypt

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// SymmetricKeySize is the length of a SymmetricKey in bytes.
const SymmetricKeySize = 64

// ErrInvalidKeyLength is returned when key material is shorter than SymmetricKeySize.
var ErrInvalidKeyLength = errors.New("crypt: invalid key length")

// random is the entropy source for keys, salts and nonces.
var random io.Reader = rand.Reader

// SymmetricKey is an immutable 512-bit key. The first half encrypts, the
// second half is reserved for MAC-based schemes and unused by the AEAD path.
type SymmetricKey struct {
	b [SymmetricKeySize]byte
}

// NewSymmetricKey copies the first 64 bytes of b into a key.
func NewSymmetricKey(b []byte) (SymmetricKey, error) {
	var k SymmetricKey
	if len(b) < SymmetricKeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(b), SymmetricKeySize)
	}
	copy(k.b[:], b[:SymmetricKeySize])
	return k, nil
}

// GenerateSymmetricKey returns a fresh random key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	var k SymmetricKey
	if _, err := io.ReadFull(random, k.b[:]); err != nil {
		return k, fmt.Errorf("crypt: generate key: %w", err)
	}
	return k, nil
}

// EncryptionKey returns a copy of bytes [0:32].
func (k SymmetricKey) EncryptionKey() []byte {
	out := make([]byte, 32)
	copy(out, k.b[:32])
	return out
}

// MACKey returns a copy of bytes [32:64].
func (k SymmetricKey) MACKey() []byte {
	out := make([]byte, 32)
	copy(out, k.b[32:])
	return out
}

// Bytes returns a copy of the full key.
func (k SymmetricKey) Bytes() []byte {
	out := make([]byte, SymmetricKeySize)
	copy(out, k.b[:])
	return out
}

// Equal compares two keys in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
