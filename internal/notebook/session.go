package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/checksum"
	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/index"
	"github.com/starford/vellum/internal/keycache"
)

// ErrLocked is returned by Session operations that need an unlocked notebook.
var ErrLocked = errors.New("notebook: locked")

// Event types published by a Session.
const (
	EventNoteCreated     = "note.created"
	EventNoteUpdated     = "note.updated"
	EventNoteDeleted     = "note.deleted"
	EventNotebookChanged = "notebook.changed"
)

// Event describes one change made through a Session.
type Event struct {
	Type     string `json:"type"`
	Notebook string `json:"notebook"`
	Slug     string `json:"slug,omitempty"`
}

// EventFunc receives session events. It must not block.
type EventFunc func(Event)

// Session owns one open notebook: its key cache, its decrypted state and
// the queue that serializes index changes.
type Session struct {
	svc     *Service
	logger  *slog.Logger
	onEvent EventFunc

	slug      string
	encrypted bool
	keys      *keycache.Cache

	// pwMu serializes password changes without blocking readers of mu.
	pwMu sync.Mutex

	mu    sync.RWMutex
	enc   *EncryptedNotebook
	nb    *Notebook
	queue *index.Queue
}

// NewSession opens a session over a notebook returned by FindNotebook. A
// plain notebook is usable immediately; an encrypted one stays locked until
// Unlock succeeds.
func NewSession(svc *Service, found Found, logger *slog.Logger, onEvent EventFunc) *Session {
	s := &Session{
		svc:     svc,
		logger:  logger.With(slog.String("notebook", found.NotebookSlug())),
		onEvent: onEvent,
		slug:    found.NotebookSlug(),
	}
	s.keys = keycache.New(s.unwrap)
	switch f := found.(type) {
	case *EncryptedNotebook:
		s.enc = f
	case *Notebook:
		if f.Key != nil {
			s.enc = lockedView(f)
			s.keys.Set(*f.Key)
		}
		s.attach(f)
	}
	s.encrypted = s.enc != nil
	return s
}

func lockedView(nb *Notebook) *EncryptedNotebook {
	return &EncryptedNotebook{
		Slug:                  nb.Slug,
		Dir:                   nb.Dir,
		Name:                  nb.Metadata.Name,
		ProtectedSymmetricKey: *nb.ProtectedSymmetricKey,
		MasterKeySalt:         nb.MasterKeySalt,
	}
}

func (s *Session) unwrap(_ context.Context, password string) (crypt.SymmetricKey, error) {
	s.mu.RLock()
	enc := s.enc
	s.mu.RUnlock()
	if enc == nil {
		return crypt.SymmetricKey{}, apperr.Internal("unlock", errors.New("notebook is not encrypted"))
	}
	return crypt.UnwrapKey(enc.ProtectedSymmetricKey, enc.MasterKeySalt, password)
}

// Slug returns the notebook slug.
func (s *Session) Slug() string { return s.slug }

// Encrypted reports whether the notebook is protected by a password.
func (s *Session) Encrypted() bool { return s.encrypted }

// Locked reports whether the notebook needs a password before use.
func (s *Session) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nb == nil
}

// KeyState reports the state of the session's key cache.
func (s *Session) KeyState() keycache.State { return s.keys.State() }

// WaitKey blocks until the notebook key is available or ctx ends.
func (s *Session) WaitKey(ctx context.Context) (crypt.SymmetricKey, error) {
	return s.keys.Wait(ctx)
}

func (s *Session) attach(nb *Notebook) {
	s.nb = nb
	s.queue = index.NewQueue(nb.Index, func(ctx context.Context, ix *index.Index) error {
		return s.svc.SaveIndex(ctx, nb, ix)
	})
}

// Unlock derives the key from password and decrypts the notebook. Wrong
// passwords and corrupted key material both fail with ErrDecryption.
func (s *Session) Unlock(ctx context.Context, password string) error {
	if !s.encrypted {
		return nil
	}
	key, err := s.keys.Unlock(ctx, password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nb != nil {
		return nil
	}
	nb, err := s.svc.DecryptNotebook(ctx, s.enc, key)
	if err != nil {
		s.keys.Clear()
		return err
	}
	s.attach(nb)
	s.logger.Info("notebook unlocked", slog.Int("files", nb.Files.Len()))
	return nil
}

// Lock forgets the key and the decrypted state. Plain notebooks cannot be
// locked.
func (s *Session) Lock() {
	if !s.encrypted {
		return
	}
	s.keys.Clear()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		s.queue.Close()
	}
	s.nb, s.queue = nil, nil
	s.logger.Info("notebook locked")
}

// Close stops the index queue.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		s.queue.Close()
	}
}

func (s *Session) open() (*Notebook, *index.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nb == nil {
		return nil, nil, ErrLocked
	}
	return s.nb, s.queue, nil
}

func (s *Session) publish(typ, noteSlug string) {
	if s.onEvent != nil {
		s.onEvent(Event{Type: typ, Notebook: s.slug, Slug: noteSlug})
	}
}

// Metadata returns the notebook metadata.
func (s *Session) Metadata() (Metadata, error) {
	nb, _, err := s.open()
	if err != nil {
		return Metadata{}, err
	}
	return nb.Metadata, nil
}

// Name returns the notebook's display name, available even while locked.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.nb != nil:
		return s.nb.Metadata.Name
	case s.enc != nil:
		return s.enc.Name
	}
	return s.slug
}

// Index returns a copy of the current index.
func (s *Session) Index(ctx context.Context) (*index.Index, error) {
	_, q, err := s.open()
	if err != nil {
		return nil, err
	}
	return q.Snapshot(ctx)
}

// ListNotes returns every index entry in tree order.
func (s *Session) ListNotes(ctx context.Context) ([]index.Entry, error) {
	ix, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return ix.Notes(), nil
}

// CreateNewNote creates a note in the root section and records it in the
// index. If the index cannot be saved the note file is removed again.
func (s *Session) CreateNewNote(ctx context.Context, title string) (*index.Entry, error) {
	nb, q, err := s.open()
	if err != nil {
		return nil, err
	}

	var created index.Entry
	err = q.Do(ctx, func(ix *index.Index) error {
		e, err := CreateNote(ctx, s.svc.files, nb, ix, title)
		if err != nil {
			return err
		}
		created = e
		return ix.AddEntry(e)
	})
	if err != nil {
		if created.FileName != "" {
			s.rollbackCreate(ctx, nb, &created)
		}
		return nil, err
	}

	s.logger.Info("note created", slog.String("slug", created.Slug))
	s.publish(EventNoteCreated, created.Slug)
	return &created, nil
}

func (s *Session) rollbackCreate(ctx context.Context, nb *Notebook, e *index.Entry) {
	if err := RemoveNote(context.WithoutCancel(ctx), s.svc.files, nb, e); err != nil {
		s.logger.Error("rollback created note failed",
			slog.String("slug", e.Slug),
			slog.String("error", err.Error()))
	}
}

// FindNote loads the note with slug. It returns nil, nil when the slug is
// not in the index.
func (s *Session) FindNote(ctx context.Context, noteSlug string) (*Note, error) {
	nb, q, err := s.open()
	if err != nil {
		return nil, err
	}
	var note *Note
	readErr := q.Read(ctx, func(ix *index.Index) {
		note, err = FindNote(ctx, s.svc.files, nb, ix, noteSlug)
	})
	if readErr != nil {
		return nil, readErr
	}
	return note, err
}

// SaveUpdatedNote writes note and brings the index in line with its title
// and path. If ifMatch is not empty it must equal the checksum of the
// stored note, otherwise the save fails with Conflict.
func (s *Session) SaveUpdatedNote(ctx context.Context, note *Note, ifMatch string) (*Note, error) {
	const op = "saveUpdatedNote"
	nb, q, err := s.open()
	if err != nil {
		return nil, err
	}

	var prev, saved *Note
	mutate := func(ix *index.Index) error {
		e, ok := ix.EntryByID(note.InternalID)
		if !ok {
			return apperr.NotFound(op, fmt.Errorf("note %s", note.InternalID))
		}
		current, err := FindNote(ctx, s.svc.files, nb, ix, e.Slug)
		if err != nil {
			return err
		}
		if !checksum.Match(ifMatch, current.Checksum) {
			return apperr.Conflict(op, e.Slug)
		}
		if newSlug := Slugify(note.Meta.Title); newSlug != "" && newSlug != e.Slug {
			if _, taken := ix.Entry(newSlug); taken {
				return apperr.Conflict(op, note.Meta.Title)
			}
		}

		working := *note
		working.Meta.Slug = e.Slug
		working.FileName = current.FileName
		prev = &working
		saved, err = SaveNote(ctx, s.svc.files, nb, &working)
		if err != nil {
			return err
		}

		changed := false
		logical := noteFileName(saved.Meta.Slug)
		if saved.Meta.Slug != e.Slug || saved.Meta.Title != e.Title || logical != e.FileName {
			if err := ix.RenameEntry(e.InternalID, saved.Meta.Slug, saved.Meta.Title, logical); err != nil {
				return err
			}
			changed = true
		}
		if to := saved.Path(); !slices.Equal(e.Path, to) {
			if err := ix.ChangeNotePath(e.InternalID, e.Path, to); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return index.ErrUnchanged
		}
		return nil
	}
	settle := func(err error) {
		if saved == nil {
			return
		}
		bg := context.WithoutCancel(ctx)
		if err != nil {
			if derr := DiscardSave(bg, s.svc.files, nb, prev, saved); derr != nil {
				s.logger.Error("discard unsaved note failed",
					slog.String("id", note.InternalID),
					slog.String("error", derr.Error()))
			}
			return
		}
		if cerr := CommitSave(bg, s.svc.files, nb, prev, saved); cerr != nil {
			s.logger.Warn("remove previous note file failed",
				slog.String("id", note.InternalID),
				slog.String("error", cerr.Error()))
		}
	}
	err = q.DoSettled(ctx, mutate, settle)
	if err != nil {
		if !errors.Is(err, apperr.ErrConflict) && !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Error("save note failed",
				slog.String("id", note.InternalID),
				slog.String("error", err.Error()))
		}
		return nil, err
	}

	s.publish(EventNoteUpdated, saved.Meta.Slug)
	return saved, nil
}

// DeleteNote removes the note with slug from the index and deletes its file.
func (s *Session) DeleteNote(ctx context.Context, noteSlug string) error {
	const op = "deleteNote"
	nb, q, err := s.open()
	if err != nil {
		return err
	}
	var removed index.Entry
	err = q.Do(ctx, func(ix *index.Index) error {
		e, ok := ix.Entry(noteSlug)
		if !ok {
			return apperr.NotFound(op, fmt.Errorf("note %s", noteSlug))
		}
		removed = *e
		return ix.RemoveEntry(e.InternalID)
	})
	if err != nil {
		return err
	}
	// The index no longer references the file; a failed removal only
	// leaves an orphan behind.
	if err := RemoveNote(ctx, s.svc.files, nb, &removed); err != nil {
		s.logger.Warn("remove note file failed",
			slog.String("slug", noteSlug),
			slog.String("error", err.Error()))
	}
	s.publish(EventNoteDeleted, noteSlug)
	return nil
}

// AddSection creates a section named name under parent.
func (s *Session) AddSection(ctx context.Context, parent []string, name, title string) error {
	_, q, err := s.open()
	if err != nil {
		return err
	}
	err = q.Do(ctx, func(ix *index.Index) error {
		_, err := ix.AddSection(parent, name, title)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(EventNotebookChanged, "")
	return nil
}

// AddFiles stores attachments; each result reports its own outcome.
func (s *Session) AddFiles(ctx context.Context, uploads []Upload) ([]FileResult, error) {
	nb, _, err := s.open()
	if err != nil {
		return nil, err
	}
	results := s.svc.AddFiles(ctx, nb, uploads)
	s.publish(EventNotebookChanged, "")
	return results, nil
}

// LoadFile returns the attachment with logical name.
func (s *Session) LoadFile(ctx context.Context, name string) ([]byte, error) {
	nb, _, err := s.open()
	if err != nil {
		return nil, err
	}
	return s.svc.LoadFile(ctx, nb, name)
}

// Attachments returns the logical names of all attachments.
func (s *Session) Attachments() ([]string, error) {
	nb, _, err := s.open()
	if err != nil {
		return nil, err
	}
	return nb.Attachments.Names(), nil
}

// FileLoader returns the attachment loader used when rendering notes.
func (s *Session) FileLoader() (func(ctx context.Context, src string) ([]byte, error), error) {
	nb, _, err := s.open()
	if err != nil {
		return nil, err
	}
	return s.svc.FileLoader(nb), nil
}

// ChangePassword re-protects the notebook key under newPassword. The key
// derivation runs before the session lock is taken.
func (s *Session) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	nb, _, err := s.open()
	if err != nil {
		return err
	}
	s.pwMu.Lock()
	defer s.pwMu.Unlock()
	if err := s.svc.ChangePassword(ctx, nb, oldPassword, newPassword); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc = lockedView(nb)
	return nil
}
