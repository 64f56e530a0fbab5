// Package testutil provides shared test helpers for setting up stores and keys.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/storage"
)

// TestStore creates a temporary store directory with an FS provider.
func TestStore(t *testing.T) (string, *storage.FS) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, store
}

// TestSQLite creates a temporary SQLite-backed provider that is closed on cleanup.
func TestSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "vellum-test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestFiles creates a file store over a fresh FS provider.
func TestFiles(t *testing.T) *filestore.Store {
	t.Helper()
	_, p := TestStore(t)
	return filestore.New(p)
}

// TestKey returns a random notebook key without running the password KDF.
func TestKey(t *testing.T) crypt.SymmetricKey {
	t.Helper()
	k, err := crypt.GenerateSymmetricKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
