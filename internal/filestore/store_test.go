package filestore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/storage"
)

func newStore(t *testing.T) (*Store, storage.Provider) {
	t.Helper()
	p, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return New(p), p
}

func newKey(t *testing.T) *crypt.SymmetricKey {
	t.Helper()
	k, err := crypt.GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey: %v", err)
	}
	return &k
}

func TestPlainOverwriteInPlace(t *testing.T) {
	s, p := newStore(t)
	ctx := context.Background()

	for _, body := range []string{"body", "body2"} {
		name, err := s.WriteFile(ctx, "notebooks/x", "note1", []byte(body), nil)
		if err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if name != "note1" {
			t.Errorf("file name = %q, want note1", name)
		}
	}

	entries, err := p.List(ctx, "notebooks/x")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "note1" {
		t.Fatalf("entries = %+v, want exactly note1", entries)
	}
	got, err := s.ReadTextFile(ctx, "notebooks/x", "note1", nil)
	if err != nil || got != "body2" {
		t.Errorf("ReadTextFile = %q, %v", got, err)
	}
}

func TestEncryptedWriteCreatesNewFile(t *testing.T) {
	s, p := newStore(t)
	ctx := context.Background()
	key := newKey(t)

	first, err := s.WriteFile(ctx, "nb", "index.json", []byte("v1"), key)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	second, err := s.WriteFile(ctx, "nb", "index.json", []byte("v2"), key)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if first == second {
		t.Fatal("encrypted writes reused an on-disk name")
	}
	entries, _ := p.List(ctx, "nb")
	if len(entries) != 2 {
		t.Fatalf("got %d files, want 2", len(entries))
	}

	if err := s.RemoveFile(ctx, "nb", first); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	got, err := s.ReadTextFile(ctx, "nb", second, key)
	if err != nil || got != "v2" {
		t.Errorf("ReadTextFile = %q, %v", got, err)
	}
}

func TestNameIndirection(t *testing.T) {
	s, p := newStore(t)
	ctx := context.Background()
	key := newKey(t)

	for _, logical := range []string{"metadata.json", "a-note.md", "ünïcødé name.png", "x"} {
		onDisk, err := s.WriteFile(ctx, "nb", logical, []byte("content of "+logical), key)
		if err != nil {
			t.Fatalf("WriteFile(%q): %v", logical, err)
		}
		if strings.Contains(onDisk, logical) {
			t.Errorf("on-disk name %q leaks logical name", onDisk)
		}
		if strings.ContainsAny(onDisk, "+/=") {
			t.Errorf("on-disk name %q is not url-safe", onDisk)
		}
		got, err := s.DecryptFileName(ctx, "nb", crypt.URLBase64(onDisk), *key)
		if err != nil {
			t.Fatalf("DecryptFileName: %v", err)
		}
		if got != logical {
			t.Errorf("DecryptFileName = %q, want %q", got, logical)
		}

		raw, _ := p.ReadFile(ctx, "nb/"+onDisk)
		if bytes.Contains(raw, []byte("content of")) {
			t.Error("plaintext content visible on disk")
		}
		if len(raw) != 2*crypt.HeaderSize+len("content of "+logical) {
			t.Errorf("body len = %d", len(raw))
		}
	}
}

func TestDecryptFileNameWrongKey(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	onDisk, err := s.WriteFile(ctx, "nb", "secret.md", []byte("x"), newKey(t))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.DecryptFileName(ctx, "nb", crypt.URLBase64(onDisk), *newKey(t)); !errors.Is(err, apperr.ErrDecryption) {
		t.Errorf("err = %v, want ErrDecryption", err)
	}
	if _, err := s.ReadFile(ctx, "nb", onDisk, newKey(t)); !errors.Is(err, apperr.ErrDecryption) {
		t.Errorf("ReadFile err = %v, want ErrDecryption", err)
	}
}

func TestReadJSONFile(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	key := newKey(t)

	onDisk, err := s.WriteFile(ctx, "nb", "metadata.json", []byte(`{"name":"Work","slug":"work"}`), key)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	var meta struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := s.ReadJSONFile(ctx, "nb", onDisk, key, &meta); err != nil {
		t.Fatalf("ReadJSONFile: %v", err)
	}
	if meta.Name != "Work" || meta.Slug != "work" {
		t.Errorf("meta = %+v", meta)
	}

	_, _ = s.WriteFile(ctx, "nb", "broken.json", []byte("{not json"), nil)
	if err := s.ReadJSONFile(ctx, "nb", "broken.json", nil, &meta); !errors.Is(err, apperr.ErrInternal) {
		t.Errorf("broken json err = %v, want ErrInternal", err)
	}
}

func TestNotFoundHandling(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.ReadFile(ctx, "nb", "missing", nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("ReadFile err = %v, want ErrNotFound", err)
	}
	if err := s.RemoveFile(ctx, "nb", "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("RemoveFile err = %v, want ErrNotFound", err)
	}
	ok, err := s.FileExists(ctx, "nb", "missing")
	if err != nil || ok {
		t.Errorf("FileExists = %v, %v; want false, nil", ok, err)
	}
	ok, err = s.DirExists(ctx, "nb")
	if err != nil || ok {
		t.Errorf("DirExists = %v, %v; want false, nil", ok, err)
	}

	_, _ = s.WriteFile(ctx, "nb", "here", []byte("1"), nil)
	if ok, _ := s.FileExists(ctx, "nb", "here"); !ok {
		t.Error("FileExists = false for existing file")
	}
	if ok, _ := s.DirExists(ctx, "nb"); !ok {
		t.Error("DirExists = false for existing dir")
	}
	if ok, _ := s.FileExists(ctx, "", "nb"); ok {
		t.Error("FileExists = true for a directory")
	}
}

func TestWriteStreamAndEmptyName(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	key := newKey(t)

	onDisk, err := s.WriteStream(ctx, "nb/files", "photo.png", bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}), key)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	got, err := s.ReadFile(ctx, "nb/files", onDisk, key)
	if err != nil || !bytes.Equal(got, []byte{0x89, 'P', 'N', 'G'}) {
		t.Errorf("ReadFile = %x, %v", got, err)
	}

	if _, err := s.WriteFile(ctx, "nb", "", []byte("x"), key); !errors.Is(err, apperr.ErrInternal) {
		t.Errorf("empty name err = %v, want ErrInternal", err)
	}
}
