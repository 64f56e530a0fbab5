package crypt

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/starford/vellum/internal/apperr"
)

const (
	// AuthTagSize is the Poly1305 tag length.
	AuthTagSize = chacha20poly1305.Overhead
	// NonceSize is the XChaCha20 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// HeaderSize is the fixed prefix of a contiguous cipher: tag then nonce.
	HeaderSize = AuthTagSize + NonceSize
)

var errMalformedCipher = errors.New("crypt: malformed cipher")

// RawCipher is the output of one AEAD call with the tag detached.
type RawCipher struct {
	AuthTag    [AuthTagSize]byte
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Bytes returns the contiguous layout [authTag(16)][nonce(24)][ciphertext(N)].
func (c RawCipher) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(c.Ciphertext))
	out = append(out, c.AuthTag[:]...)
	out = append(out, c.Nonce[:]...)
	return append(out, c.Ciphertext...)
}

// Equal reports whether two ciphers hold the same triple.
func (c RawCipher) Equal(other RawCipher) bool {
	return c.AuthTag == other.AuthTag && c.Nonce == other.Nonce && bytes.Equal(c.Ciphertext, other.Ciphertext)
}

// RawCipherFromBytes parses the contiguous layout. There is no length
// prefix: the ciphertext is everything after the first HeaderSize bytes.
func RawCipherFromBytes(b []byte) (RawCipher, error) {
	var c RawCipher
	if len(b) < HeaderSize {
		return c, apperr.Decryption("parse cipher", fmt.Errorf("%w: %d bytes, need at least %d", errMalformedCipher, len(b), HeaderSize))
	}
	copy(c.AuthTag[:], b[:AuthTagSize])
	copy(c.Nonce[:], b[AuthTagSize:HeaderSize])
	c.Ciphertext = append([]byte(nil), b[HeaderSize:]...)
	return c, nil
}

// EncryptToRaw seals plaintext with XChaCha20-Poly1305 under the key's
// encryption half, a fresh random nonce and no associated data.
func EncryptToRaw(plaintext []byte, key SymmetricKey) (RawCipher, error) {
	var c RawCipher
	encKey := key.EncryptionKey()
	defer Zero(encKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return c, apperr.Internal("encrypt", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err))
	}
	if _, err := io.ReadFull(random, c.Nonce[:]); err != nil {
		return c, apperr.Internal("encrypt", fmt.Errorf("generating random nonce: %w", err))
	}

	sealed := aead.Seal(nil, c.Nonce[:], plaintext, nil)
	split := len(sealed) - AuthTagSize
	c.Ciphertext = sealed[:split:split]
	copy(c.AuthTag[:], sealed[split:])
	return c, nil
}

// DecryptRaw verifies and opens c. A tag mismatch is reported as an
// apperr.ErrDecryption; it never yields partial plaintext.
func DecryptRaw(c RawCipher, key SymmetricKey) ([]byte, error) {
	encKey := key.EncryptionKey()
	defer Zero(encKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, apperr.Internal("decrypt", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err))
	}

	sealed := make([]byte, 0, len(c.Ciphertext)+AuthTagSize)
	sealed = append(sealed, c.Ciphertext...)
	sealed = append(sealed, c.AuthTag[:]...)

	plaintext, err := aead.Open(nil, c.Nonce[:], sealed, nil)
	if err != nil {
		return nil, apperr.Decryption("decrypt", err)
	}
	return plaintext, nil
}

// EncryptBytes is EncryptToRaw followed by Bytes.
func EncryptBytes(plaintext []byte, key SymmetricKey) ([]byte, error) {
	c, err := EncryptToRaw(plaintext, key)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

// DecryptBytes parses the contiguous layout and opens it.
func DecryptBytes(b []byte, key SymmetricKey) ([]byte, error) {
	c, err := RawCipherFromBytes(b)
	if err != nil {
		return nil, err
	}
	return DecryptRaw(c, key)
}
