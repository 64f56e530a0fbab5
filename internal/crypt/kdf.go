package crypt

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/starford/vellum/internal/apperr"
)

// Password hashing parameters. Changing any of these makes every existing
// protected key unrecoverable.
const (
	KDFIterations = 3
	KDFMemoryKiB  = 65535
	KDFThreads    = 1
	MasterKeySize = 32
	SaltSize      = 16
)

// CryptInfo is produced once when a notebook (or account) is created.
// SymmetricKey must never leave the client; the other fields may be stored.
type CryptInfo struct {
	MasterKeySalt         []byte
	MasterPasswordHash    []byte
	SymmetricKey          SymmetricKey
	ProtectedSymmetricKey RawCipher
}

// GenerateSalt returns a random per-notebook salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, apperr.Internal("generate salt", err)
	}
	return salt, nil
}

// DeriveMasterKey runs Argon2id over password with salt. It is deterministic
// and deliberately slow.
func DeriveMasterKey(salt []byte, password string) ([]byte, error) {
	return passwordHash([]byte(password), salt)
}

func passwordHash(input, salt []byte) (key []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			key = nil
			err = apperr.Internal("derive master key", fmt.Errorf("argon2: %v", r))
		}
	}()
	return argon2.IDKey(input, salt, KDFIterations, KDFMemoryKiB, KDFThreads, MasterKeySize), nil
}

// DeriveStretchedMasterKey expands a 32-byte master key to a full
// SymmetricKey with HKDF-SHA256 (empty salt and info).
func DeriveStretchedMasterKey(masterKey []byte) (SymmetricKey, error) {
	out := make([]byte, SymmetricKeySize)
	defer Zero(out)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, nil), out); err != nil {
		return SymmetricKey{}, apperr.Internal("stretch master key", err)
	}
	return NewSymmetricKey(out)
}

// DeriveInitialKeys is the creation path: it derives the master key and the
// server-verifiable master password hash, generates the content key, and
// protects it under the stretched master key.
func DeriveInitialKeys(salt []byte, password string) (*CryptInfo, error) {
	masterKey, err := DeriveMasterKey(salt, password)
	if err != nil {
		return nil, err
	}
	defer Zero(masterKey)

	// The master key is hashed again with the password as salt. The result
	// authenticates the user and is never used as key material.
	passwordHashed, err := passwordHash(masterKey, []byte(password))
	if err != nil {
		return nil, err
	}

	stretched, err := DeriveStretchedMasterKey(masterKey)
	if err != nil {
		return nil, err
	}

	key, err := GenerateSymmetricKey()
	if err != nil {
		return nil, apperr.Internal("derive initial keys", err)
	}

	keyBytes := key.Bytes()
	defer Zero(keyBytes)
	protected, err := EncryptToRaw(keyBytes, stretched)
	if err != nil {
		return nil, apperr.Internal("derive initial keys", err)
	}

	return &CryptInfo{
		MasterKeySalt:         append([]byte(nil), salt...),
		MasterPasswordHash:    passwordHashed,
		SymmetricKey:          key,
		ProtectedSymmetricKey: protected,
	}, nil
}

// UnwrapKey recovers the content key from its protected form. A wrong
// password and a corrupted blob are indistinguishable: both fail with
// apperr.ErrDecryption.
func UnwrapKey(protected RawCipher, salt []byte, password string) (SymmetricKey, error) {
	masterKey, err := DeriveMasterKey(salt, password)
	if err != nil {
		return SymmetricKey{}, err
	}
	defer Zero(masterKey)

	stretched, err := DeriveStretchedMasterKey(masterKey)
	if err != nil {
		return SymmetricKey{}, err
	}

	keyBytes, err := DecryptRaw(protected, stretched)
	if err != nil {
		return SymmetricKey{}, err
	}
	defer Zero(keyBytes)

	key, err := NewSymmetricKey(keyBytes)
	if err != nil {
		return SymmetricKey{}, apperr.Decryption("unwrap key", err)
	}
	return key, nil
}

// RewrapKey protects key under a new password and salt. Content encrypted
// with key stays valid.
func RewrapKey(key SymmetricKey, salt []byte, password string) (RawCipher, error) {
	masterKey, err := DeriveMasterKey(salt, password)
	if err != nil {
		return RawCipher{}, err
	}
	defer Zero(masterKey)

	stretched, err := DeriveStretchedMasterKey(masterKey)
	if err != nil {
		return RawCipher{}, err
	}

	keyBytes := key.Bytes()
	defer Zero(keyBytes)
	return EncryptToRaw(keyBytes, stretched)
}
