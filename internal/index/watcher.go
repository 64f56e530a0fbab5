package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventCallback is called once per burst of changes inside a notebook
// directory. notebook is the notebook's directory name.
type EventCallback func(kind, notebook string)

// Change kinds reported by Watch.
const (
	KindCreated = "created"
	KindChanged = "changed"
	KindRemoved = "removed"
)

const debounceInterval = 200 * time.Millisecond

// Watch watches every notebook under notebooksDir and reports changes until
// ctx is cancelled. File names are encrypted, so events are reported per
// notebook rather than per note. New directories are added to the watch
// list as they appear. Temp files from in-flight atomic writes are ignored.
func Watch(ctx context.Context, notebooksDir string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := os.MkdirAll(notebooksDir, 0o700); err != nil {
		return err
	}
	if err := addDirsRecursive(w, notebooksDir); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", notebooksDir))

	// Bursts are coalesced per notebook; the first kind seen wins unless a
	// later event removes the notebook directory itself.
	pending := make(map[string]string)
	timer := time.NewTimer(debounceInterval)
	timer.Stop()

	schedule := func(notebook, kind string) {
		if _, ok := pending[notebook]; !ok || kind == KindRemoved {
			pending[notebook] = kind
		}
		timer.Reset(debounceInterval)
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("watcher: stopped")
			return nil

		case <-timer.C:
			for notebook, kind := range pending {
				logger.Debug("watcher: notebook changed", slog.String("notebook", notebook), slog.String("kind", kind))
				if cb != nil {
					cb(kind, notebook)
				}
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".vellum-tmp-") {
				continue
			}
			rel, relErr := filepath.Rel(notebooksDir, ev.Name)
			if relErr != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			parts := strings.Split(filepath.ToSlash(rel), "/")
			notebook := parts[0]
			topLevel := len(parts) == 1

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
				if topLevel {
					schedule(notebook, KindCreated)
					continue
				}
			}

			switch {
			case topLevel && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				schedule(notebook, KindRemoved)
			case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0:
				schedule(notebook, KindChanged)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
