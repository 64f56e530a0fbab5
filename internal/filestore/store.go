// Package filestore maps logical (directory, name) pairs onto durable bytes,
// optionally encrypting both the content and the name.
//
// An encrypted file is stored under URL-safe base64 of its name ciphertext.
// The body starts with the name cipher's tag and nonce, followed by the
// contiguous content cipher:
//
//	[nameTag(16)][nameNonce(24)][contentTag(16)][contentNonce(24)][ciphertext]
//
// The on-disk name of an encrypted file cannot be recomputed from its
// logical name, so every encrypted write creates a new file and returns its
// name. Callers delete the file it replaces once the write has succeeded.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/storage"
)

var errEmptyName = errors.New("empty file name")

// Store is the encrypted file store over a storage provider.
type Store struct {
	provider storage.Provider
}

// New creates a Store over provider.
func New(provider storage.Provider) *Store {
	return &Store{provider: provider}
}

// WriteFile stores content as dir/name. With a nil key the file is replaced
// in place under its logical name. With a key a new file is created under
// an encrypted name. The returned string is the on-disk file name.
func (s *Store) WriteFile(ctx context.Context, dir, name string, content []byte, key *crypt.SymmetricKey) (string, error) {
	const op = "writeFile"
	if name == "" {
		return "", apperr.Internal(op, errEmptyName)
	}
	if key == nil {
		if err := s.provider.WriteFile(ctx, path.Join(dir, name), content); err != nil {
			return "", apperr.Normalize(op, err)
		}
		return name, nil
	}

	nameCipher, err := crypt.EncryptToRaw([]byte(name), *key)
	if err != nil {
		return "", err
	}
	contentCipher, err := crypt.EncryptToRaw(content, *key)
	if err != nil {
		return "", err
	}

	body := make([]byte, 0, crypt.HeaderSize*2+len(contentCipher.Ciphertext))
	body = append(body, nameCipher.AuthTag[:]...)
	body = append(body, nameCipher.Nonce[:]...)
	body = append(body, contentCipher.Bytes()...)

	fileName := string(crypt.EncodeURL(nameCipher.Ciphertext))
	if err := s.provider.CreateFile(ctx, path.Join(dir, fileName), body); err != nil {
		return "", apperr.Normalize(op, err)
	}
	return fileName, nil
}

// WriteStream is WriteFile for content supplied as a reader.
func (s *Store) WriteStream(ctx context.Context, dir, name string, r io.Reader, key *crypt.SymmetricKey) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", apperr.Internal("writeFile", fmt.Errorf("read stream: %w", err))
	}
	return s.WriteFile(ctx, dir, name, content, key)
}

// ReadFile returns the content of dir/fileName, decrypting it when key is
// non-nil. fileName is the on-disk name.
func (s *Store) ReadFile(ctx context.Context, dir, fileName string, key *crypt.SymmetricKey) ([]byte, error) {
	const op = "readFile"
	data, err := s.provider.ReadFile(ctx, path.Join(dir, fileName))
	if err != nil {
		return nil, apperr.Normalize(op, err)
	}
	if key == nil {
		return data, nil
	}
	if len(data) < crypt.HeaderSize {
		return nil, apperr.Decryption(op, fmt.Errorf("%s: body shorter than name header", fileName))
	}
	plaintext, err := crypt.DecryptBytes(data[crypt.HeaderSize:], *key)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ReadJSONFile reads dir/fileName and decodes it as JSON into v.
func (s *Store) ReadJSONFile(ctx context.Context, dir, fileName string, key *crypt.SymmetricKey, v any) error {
	data, err := s.ReadFile(ctx, dir, fileName, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Internal("readJsonFile", fmt.Errorf("decode %s: %w", fileName, err))
	}
	return nil
}

// ReadTextFile reads dir/fileName as UTF-8 text.
func (s *Store) ReadTextFile(ctx context.Context, dir, fileName string, key *crypt.SymmetricKey) (string, error) {
	data, err := s.ReadFile(ctx, dir, fileName, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists reports whether dir/fileName is a regular file.
func (s *Store) FileExists(ctx context.Context, dir, fileName string) (bool, error) {
	st, err := s.provider.Stat(ctx, path.Join(dir, fileName))
	if err != nil {
		err = apperr.Normalize("fileExists", err)
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !st.IsDir, nil
}

// DirExists reports whether dir is a directory.
func (s *Store) DirExists(ctx context.Context, dir string) (bool, error) {
	st, err := s.provider.Stat(ctx, dir)
	if err != nil {
		err = apperr.Normalize("dirExists", err)
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.IsDir, nil
}

// RemoveFile deletes dir/fileName. A missing file is reported as NotFound.
func (s *Store) RemoveFile(ctx context.Context, dir, fileName string) error {
	if err := s.provider.Remove(ctx, path.Join(dir, fileName)); err != nil {
		return apperr.Normalize("removeFile", err)
	}
	return nil
}

// DecryptFileName recovers the logical name of an encrypted file from its
// on-disk name and the first HeaderSize bytes of its body.
func (s *Store) DecryptFileName(ctx context.Context, dir string, encrypted crypt.URLBase64, key crypt.SymmetricKey) (string, error) {
	const op = "decryptFileName"
	ciphertext, err := encrypted.Decode()
	if err != nil {
		return "", apperr.Decryption(op, err)
	}
	head, err := s.provider.ReadHead(ctx, path.Join(dir, string(encrypted)), crypt.HeaderSize)
	if err != nil {
		return "", apperr.Normalize(op, err)
	}
	if len(head) < crypt.HeaderSize {
		return "", apperr.Decryption(op, fmt.Errorf("%s: body shorter than name header", encrypted))
	}

	var c crypt.RawCipher
	copy(c.AuthTag[:], head[:crypt.AuthTagSize])
	copy(c.Nonce[:], head[crypt.AuthTagSize:crypt.HeaderSize])
	c.Ciphertext = ciphertext

	name, err := crypt.DecryptRaw(c, key)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// List returns the entries of dir.
func (s *Store) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	entries, err := s.provider.List(ctx, dir)
	if err != nil {
		return nil, apperr.Normalize("list", err)
	}
	return entries, nil
}

// MkdirAll creates dir and its parents.
func (s *Store) MkdirAll(ctx context.Context, dir string) error {
	if err := s.provider.MkdirAll(ctx, dir); err != nil {
		return apperr.Normalize("mkdir", err)
	}
	return nil
}

// RemoveDir deletes an empty directory.
func (s *Store) RemoveDir(ctx context.Context, dir string) error {
	if err := s.provider.Remove(ctx, dir); err != nil {
		return apperr.Normalize("removeDir", err)
	}
	return nil
}
