// Package checksum tags stored note versions for optimistic saves.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Sum returns the version tag of a note's plaintext: the unpadded URL-safe
// base64 of its SHA-256 digest. Tags are safe inside quoted HTTP ETags.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Match reports whether an If-Match value admits the current tag. Empty and
// "*" admit any version.
func Match(ifMatch, current string) bool {
	if ifMatch == "" || ifMatch == "*" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(ifMatch), []byte(current)) == 1
}
