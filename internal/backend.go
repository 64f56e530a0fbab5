package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/notebook"
	"github.com/starford/vellum/internal/storage"
	"github.com/starford/vellum/internal/worker"
)

// OpenBackend opens the configured store. The returned close func releases
// it and is never nil.
func OpenBackend(cfg StorageConfig) (storage.Provider, func(), error) {
	switch cfg.Backend {
	case BackendSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	case BackendFS, "":
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
		fsStore, err := storage.NewFS(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open fs store: %w", err)
		}
		return fsStore, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// WorkerArgs returns the arguments that make the worker subcommand serve
// the store described by cfg.
func WorkerArgs(cfg StorageConfig) []string {
	return []string{"worker", "--backend", cfg.Backend, "--root", cfg.Path, "--sqlite", cfg.SQLitePath}
}

// openFiles starts the file worker and returns the encrypted file store
// that talks to it.
func openFiles(ctx context.Context, cfg *Config, executable string, logger *slog.Logger) (*filestore.Store, func(), error) {
	if cfg.Worker.Isolated {
		if executable == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve worker executable: %w", err)
			}
			executable = exe
		}
		client, err := worker.StartProcess(ctx, logger, executable, WorkerArgs(cfg.Storage)...)
		if err != nil {
			return nil, nil, err
		}
		return filestore.New(client), func() { _ = client.Close() }, nil
	}

	provider, closeBackend, err := OpenBackend(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	client := worker.Start(ctx, provider, logger)
	return filestore.New(client), func() {
		_ = client.Close()
		closeBackend()
	}, nil
}

// OpenNotebooks wires the store, the file worker and a notebook manager.
// The returned close func stops every session before the worker.
func OpenNotebooks(ctx context.Context, cfg *Config, executable string, logger *slog.Logger, onEvent notebook.EventFunc) (*notebook.Manager, func(), error) {
	files, closeFiles, err := openFiles(ctx, cfg, executable, logger)
	if err != nil {
		return nil, nil, err
	}
	m := notebook.NewManager(notebook.NewService(files, logger), logger, onEvent)
	return m, func() {
		m.Close()
		closeFiles()
	}, nil
}
