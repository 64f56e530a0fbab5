// Package storage defines the origin-private hierarchical file store that
// every notebook lives in.
//
// Paths are slash-separated and relative to the store root. Not-exist
// conditions are reported with errors satisfying errors.Is(err, fs.ErrNotExist)
// and create collisions with fs.ErrExist, regardless of backend.
package storage

import (
	"context"
	"time"
)

// Entry describes one file or directory.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Provider is the interface for store operations.
type Provider interface {
	// ReadFile returns the full contents of the file at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// ReadHead returns at most n leading bytes of the file at path.
	ReadHead(ctx context.Context, path string, n int) ([]byte, error)
	// WriteFile atomically replaces the file at path, creating parents.
	WriteFile(ctx context.Context, path string, data []byte) error
	// CreateFile writes a new file and fails with fs.ErrExist if path is taken.
	CreateFile(ctx context.Context, path string, data []byte) error
	// Remove deletes a file or an empty directory.
	Remove(ctx context.Context, path string) error
	// Stat describes the entry at path.
	Stat(ctx context.Context, path string) (Entry, error)
	// List returns the direct children of dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	// MkdirAll creates dir and any missing parents.
	MkdirAll(ctx context.Context, dir string) error
}
