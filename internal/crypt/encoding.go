package crypt

import (
	"encoding/base64"
	"fmt"

	"github.com/starford/vellum/internal/apperr"
)

// URLBase64 is unpadded URL-safe base64. It is the alphabet for values that
// end up in file names and identifiers.
type URLBase64 string

// StdBase64 is padded standard base64. It is the alphabet for values
// embedded in JSON documents.
type StdBase64 string

// EncodeURL encodes b with the URL-safe alphabet.
func EncodeURL(b []byte) URLBase64 {
	return URLBase64(base64.RawURLEncoding.EncodeToString(b))
}

// Decode returns the decoded bytes.
func (s URLBase64) Decode() ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("crypt: decode url base64: %w", err)
	}
	return b, nil
}

// EncodeStd encodes b with the standard alphabet.
func EncodeStd(b []byte) StdBase64 {
	return StdBase64(base64.StdEncoding.EncodeToString(b))
}

// Decode returns the decoded bytes.
func (s StdBase64) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return nil, fmt.Errorf("crypt: decode std base64: %w", err)
	}
	return b, nil
}

// Base64Cipher is the component-wise JSON form of a RawCipher.
type Base64Cipher struct {
	Text    StdBase64 `json:"text"`
	AuthTag StdBase64 `json:"authTag"`
	IV      StdBase64 `json:"iv"`
}

// Base64 converts c to its JSON form.
func (c RawCipher) Base64() Base64Cipher {
	return Base64Cipher{
		Text:    EncodeStd(c.Ciphertext),
		AuthTag: EncodeStd(c.AuthTag[:]),
		IV:      EncodeStd(c.Nonce[:]),
	}
}

// Raw converts the JSON form back into a RawCipher.
func (b Base64Cipher) Raw() (RawCipher, error) {
	var c RawCipher
	text, err := b.Text.Decode()
	if err != nil {
		return c, apperr.Decryption("decode cipher text", err)
	}
	tag, err := b.AuthTag.Decode()
	if err != nil {
		return c, apperr.Decryption("decode cipher tag", err)
	}
	iv, err := b.IV.Decode()
	if err != nil {
		return c, apperr.Decryption("decode cipher iv", err)
	}
	if len(tag) != AuthTagSize || len(iv) != NonceSize {
		return c, apperr.Decryption("decode cipher", fmt.Errorf("%w: tag %d bytes, iv %d bytes", errMalformedCipher, len(tag), len(iv)))
	}
	copy(c.AuthTag[:], tag)
	copy(c.Nonce[:], iv)
	c.Ciphertext = text
	return c, nil
}
