package notebook

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/testutil"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root, p := testutil.TestStore(t)
	return NewService(filestore.New(p), testutil.Logger()), root
}

// fastKeys builds key material without the password KDF. The protected key
// is well-formed but cannot be unwrapped with any password.
func fastKeys(t *testing.T) *KeyMaterial {
	t.Helper()
	key := testutil.TestKey(t)
	wrapping := testutil.TestKey(t)
	protected, err := crypt.EncryptToRaw(key.Bytes(), wrapping)
	if err != nil {
		t.Fatal(err)
	}
	salt, err := crypt.GenerateSalt()
	if err != nil {
		t.Fatal(err)
	}
	return &KeyMaterial{Key: key, ProtectedSymmetricKey: protected, MasterKeySalt: salt}
}

func createEncrypted(t *testing.T, svc *Service, name string) (*Notebook, crypt.SymmetricKey) {
	t.Helper()
	keys := fastKeys(t)
	nb, err := svc.CreateNotebook(context.Background(), CreateParams{Name: name, Keys: keys})
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	return nb, keys.Key
}

func TestFindNotebookMissing(t *testing.T) {
	svc, _ := newService(t)
	found, err := svc.FindNotebook(context.Background(), "nope")
	if err != nil || found != nil {
		t.Fatalf("FindNotebook = %v, %v; want nil, nil", found, err)
	}
}

func TestCreatePlainNotebook(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	desc := "work notes"

	nb, err := svc.CreateNotebook(ctx, CreateParams{Name: "My Work", Description: &desc})
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	if nb.Slug != "my-work" || nb.Status != StatusNone || nb.Encrypted() {
		t.Fatalf("notebook = %+v", nb)
	}
	if _, err := os.Stat(filepath.Join(root, "notebooks", "my-work", FilesDir)); err != nil {
		t.Errorf("files dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "notebooks", "my-work", KeyFile)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("plain notebook has a key file: %v", err)
	}

	found, err := svc.FindNotebook(ctx, "my-work")
	if err != nil {
		t.Fatalf("FindNotebook: %v", err)
	}
	got, ok := found.(*Notebook)
	if !ok {
		t.Fatalf("FindNotebook returned %T, want *Notebook", found)
	}
	if got.Metadata.Name != "My Work" || got.Metadata.Description == nil || *got.Metadata.Description != desc {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if len(got.Index.Entries) != 0 {
		t.Errorf("index entries = %d, want 0", len(got.Index.Entries))
	}
}

func TestCreateNotebookConflict(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.CreateNotebook(ctx, CreateParams{Name: "Dup"}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.CreateNotebook(ctx, CreateParams{Name: "dup"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestEncryptedNotebookRoundTrip(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	_, key := createEncrypted(t, svc, "Secret")

	entries, err := os.ReadDir(filepath.Join(root, "notebooks", "secret"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() == MetadataFile || e.Name() == IndexFile {
			t.Errorf("logical name %s visible on disk", e.Name())
		}
	}

	found, err := svc.FindNotebook(ctx, "secret")
	if err != nil {
		t.Fatalf("FindNotebook: %v", err)
	}
	enc, ok := found.(*EncryptedNotebook)
	if !ok {
		t.Fatalf("FindNotebook returned %T, want *EncryptedNotebook", found)
	}
	if enc.Name != "Secret" {
		t.Errorf("name = %q", enc.Name)
	}

	nb, err := svc.DecryptNotebook(ctx, enc, key)
	if err != nil {
		t.Fatalf("DecryptNotebook: %v", err)
	}
	if nb.Status != StatusDecrypted || nb.Metadata.Name != "Secret" || nb.Metadata.Slug != "secret" {
		t.Errorf("notebook = %+v", nb)
	}
	if _, ok := nb.Files.Lookup(IndexFile); !ok {
		t.Error("index.json missing from file map")
	}

	_, err = svc.DecryptNotebook(ctx, enc, testutil.TestKey(t))
	if err == nil {
		t.Fatal("DecryptNotebook with wrong key succeeded")
	}
}

func TestDecryptNotebookResolvesDuplicates(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	nb, key := createEncrypted(t, svc, "Dups")

	older, err := svc.files.WriteFile(ctx, nb.Dir, "a.md", []byte("old"), &key)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := svc.files.WriteFile(ctx, nb.Dir, "a.md", []byte("new"), &key)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(root, nb.Dir, older), past, past); err != nil {
		t.Fatal(err)
	}

	enc := lockedView(nb)
	got, err := svc.DecryptNotebook(ctx, enc, key)
	if err != nil {
		t.Fatalf("DecryptNotebook: %v", err)
	}
	onDisk, ok := got.Files.Lookup("a.md")
	if !ok || onDisk != newer {
		t.Fatalf("a.md -> %q, want newest file %q", onDisk, newer)
	}
	if _, err := os.Stat(filepath.Join(root, nb.Dir, older)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale duplicate still on disk: %v", err)
	}
}

func TestDecryptNotebookSkipsForeignFiles(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	nb, key := createEncrypted(t, svc, "Foreign")

	if err := os.WriteFile(filepath.Join(root, nb.Dir, "junk"), []byte("not ours"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := svc.DecryptNotebook(ctx, lockedView(nb), key)
	if err != nil {
		t.Fatalf("DecryptNotebook: %v", err)
	}
	if got.Files.Len() != 2 {
		t.Errorf("file map = %v, want metadata and index only", got.Files.Names())
	}
}

func TestSaveIndexRemovesStaleEncryptedIndex(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	nb, _ := createEncrypted(t, svc, "Stale")
	dir := filepath.Join(root, nb.Dir)

	before, _ := os.ReadDir(dir)
	prev, _ := nb.Files.Lookup(IndexFile)

	ix := nb.Index.Clone()
	if _, err := ix.AddSection(nil, "drafts", "Drafts"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SaveIndex(ctx, nb, ix); err != nil {
		t.Fatalf("SaveIndex: %v", err)
	}

	after, _ := os.ReadDir(dir)
	if len(after) != len(before) {
		t.Errorf("dir has %d entries after save, want %d", len(after), len(before))
	}
	cur, _ := nb.Files.Lookup(IndexFile)
	if cur == prev {
		t.Fatal("encrypted index kept its on-disk name")
	}
	if _, err := os.Stat(filepath.Join(dir, prev)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale index still on disk: %v", err)
	}
	if nb.Index.FindSection([]string{"drafts"}) == nil {
		t.Error("notebook index not updated")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestAddFilesPartialFailure(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	nb, _ := createEncrypted(t, svc, "Attach")

	results := svc.AddFiles(ctx, nb, []Upload{
		{Name: "pic.png", Data: bytes.NewReader([]byte("png bytes"))},
		{Name: "../escape", Data: strings.NewReader("x")},
		{Name: "broken.txt", Data: failingReader{}},
	})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Err != nil || results[0].FileName == "" {
		t.Errorf("pic.png: %+v", results[0])
	}
	if results[1].Err == nil || results[2].Err == nil {
		t.Errorf("bad uploads succeeded: %+v %+v", results[1], results[2])
	}

	data, err := svc.LoadFile(ctx, nb, "pic.png")
	if err != nil || string(data) != "png bytes" {
		t.Fatalf("LoadFile = %q, %v", data, err)
	}
	if _, err := svc.LoadFile(ctx, nb, "broken.txt"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("LoadFile(broken.txt) err = %v, want NotFound", err)
	}

	load := svc.FileLoader(nb)
	if data, err := load(ctx, "files/pic.png"); err != nil || string(data) != "png bytes" {
		t.Errorf("loader(pic) = %q, %v", data, err)
	}
	if data, err := load(ctx, "files/missing.png"); err != nil || data != nil {
		t.Errorf("loader(missing) = %q, %v; want nil, nil", data, err)
	}

	unlocked, err := svc.DecryptNotebook(ctx, lockedView(nb), *nb.Key)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := unlocked.Attachments.Lookup("pic.png"); !ok {
		t.Error("attachment not recovered on unlock")
	}
}

func TestAddFilesReplacesAttachment(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	nb, _ := createEncrypted(t, svc, "Replace")

	for _, body := range []string{"v1", "v2"} {
		res := svc.AddFiles(ctx, nb, []Upload{{Name: "doc.txt", Data: strings.NewReader(body)}})
		if res[0].Err != nil {
			t.Fatal(res[0].Err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(root, nb.FilesPath()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("files dir has %d entries, want 1", len(entries))
	}
	data, err := svc.LoadFile(ctx, nb, "doc.txt")
	if err != nil || string(data) != "v2" {
		t.Errorf("LoadFile = %q, %v", data, err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	keys, err := NewKeyMaterial("old password")
	if err != nil {
		t.Fatal(err)
	}
	nb, err := svc.CreateNotebook(ctx, CreateParams{Name: "Rotate", Keys: keys})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.ChangePassword(ctx, nb, "old password", "new password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	found, err := svc.FindNotebook(ctx, "rotate")
	if err != nil {
		t.Fatal(err)
	}
	enc := found.(*EncryptedNotebook)
	key, err := crypt.UnwrapKey(enc.ProtectedSymmetricKey, enc.MasterKeySalt, "new password")
	if err != nil {
		t.Fatalf("unwrap with new password: %v", err)
	}
	if !key.Equal(keys.Key) {
		t.Error("content key changed")
	}
	if _, err := crypt.UnwrapKey(enc.ProtectedSymmetricKey, enc.MasterKeySalt, "old password"); !errors.Is(err, apperr.ErrDecryption) {
		t.Errorf("old password err = %v, want Decryption", err)
	}
}

func TestListNotebooks(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	got, err := svc.ListNotebooks(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("ListNotebooks on empty store = %v, %v", got, err)
	}
	for _, name := range []string{"Beta", "Alpha"} {
		if _, err := svc.CreateNotebook(ctx, CreateParams{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	got, err = svc.ListNotebooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("ListNotebooks = %v", got)
	}
}
