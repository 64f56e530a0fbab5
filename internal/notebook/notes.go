package notebook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/checksum"
	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/index"
	"github.com/starford/vellum/internal/parser"
)

// Note is the working copy of one note.
type Note struct {
	InternalID string
	Meta       parser.Metadata
	Content    string
	// FileName is the on-disk name the note was read from or last written to.
	FileName string
	// Checksum identifies the stored version the note was read from.
	Checksum string
}

// Path returns the note's section path.
func (n *Note) Path() []string { return n.Meta.PathSegments() }

// Slugify derives a note slug from a title. An empty result means the title
// has no usable characters.
func Slugify(title string) string {
	return slug.Make(strings.TrimSpace(title))
}

func newID() string {
	return ulid.Make().String()
}

func noteFileName(noteSlug string) string {
	return noteSlug + noteExt
}

// CreateNote writes the initial file of a new note and returns its index
// entry. The slug comes from the title, or from a fresh ULID when the title
// is empty. The caller adds the entry to the index.
//
// Index entries record the logical file name; nb.Files resolves it to the
// current on-disk name, which changes on every encrypted write.
func CreateNote(ctx context.Context, files *filestore.Store, nb *Notebook, ix *index.Index, title string) (index.Entry, error) {
	const op = "createNote"
	id := newID()
	noteSlug := Slugify(title)
	if noteSlug == "" {
		noteSlug = strings.ToLower(id)
	}
	logical := noteFileName(noteSlug)

	if _, taken := ix.Entry(noteSlug); taken {
		return index.Entry{}, apperr.Conflict(op, title)
	}
	if _, taken := nb.Files.Lookup(logical); taken {
		return index.Entry{}, apperr.Conflict(op, title)
	}

	data, err := parser.Serialize(parser.Metadata{Title: title, Slug: noteSlug}, "")
	if err != nil {
		return index.Entry{}, apperr.Internal(op, err)
	}
	fileName, err := files.WriteFile(ctx, nb.Dir, logical, data, nb.Key)
	if err != nil {
		return index.Entry{}, err
	}
	nb.Files.Set(logical, fileName)

	return index.Entry{
		InternalID: id,
		Title:      title,
		Slug:       noteSlug,
		FileName:   logical,
	}, nil
}

// FindNote loads the note with the given slug. It returns nil, nil when the
// slug is not in the index. A stored note without valid front matter is an
// Internal error.
func FindNote(ctx context.Context, files *filestore.Store, nb *Notebook, ix *index.Index, noteSlug string) (*Note, error) {
	const op = "findNote"
	e, ok := ix.Entry(noteSlug)
	if !ok {
		return nil, nil
	}
	onDisk, ok := nb.Files.Lookup(e.FileName)
	if !ok {
		return nil, apperr.NotFound(op, fmt.Errorf("note %s: no file %s", noteSlug, e.FileName))
	}
	data, err := files.ReadFile(ctx, nb.Dir, onDisk, nb.Key)
	if err != nil {
		return nil, err
	}
	res, err := parser.Parse(data)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("note %s: %w", noteSlug, err))
	}
	return &Note{
		InternalID: e.InternalID,
		Meta:       res.Meta,
		Content:    res.Body,
		FileName:   onDisk,
		Checksum:   checksum.Sum(data),
	}, nil
}

// SaveNote writes note under the slug derived from its current title. An
// empty title keeps the existing slug. The previous file and nb.Files are
// left alone: CommitSave makes the result current once the index agrees,
// DiscardSave drops it otherwise.
func SaveNote(ctx context.Context, files *filestore.Store, nb *Notebook, note *Note) (*Note, error) {
	const op = "saveNote"
	oldSlug := note.Meta.Slug
	newSlug := Slugify(note.Meta.Title)
	if newSlug == "" {
		newSlug = oldSlug
	}
	if newSlug == "" {
		return nil, apperr.Internal(op, errors.New("note has no slug"))
	}
	newLogical := noteFileName(newSlug)
	if newSlug != oldSlug {
		if _, taken := nb.Files.Lookup(newLogical); taken {
			return nil, apperr.Conflict(op, note.Meta.Title)
		}
	}

	meta := note.Meta
	meta.Slug = newSlug
	data, err := parser.Serialize(meta, note.Content)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	fileName, err := files.WriteFile(ctx, nb.Dir, newLogical, data, nb.Key)
	if err != nil {
		return nil, err
	}

	return &Note{
		InternalID: note.InternalID,
		Meta:       meta,
		Content:    note.Content,
		FileName:   fileName,
		Checksum:   checksum.Sum(data),
	}, nil
}

// CommitSave points nb.Files at saved and removes prev's file when saved
// lives under another on-disk name. A failed removal leaves an orphan file
// and is reported after the map is updated.
func CommitSave(ctx context.Context, files *filestore.Store, nb *Notebook, prev, saved *Note) error {
	oldLogical := noteFileName(prev.Meta.Slug)
	newLogical := noteFileName(saved.Meta.Slug)
	if newLogical != oldLogical {
		nb.Files.Delete(oldLogical)
	}
	nb.Files.Set(newLogical, saved.FileName)

	if prev.FileName == "" || prev.FileName == saved.FileName {
		return nil
	}
	if err := files.RemoveFile(ctx, nb.Dir, prev.FileName); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// DiscardSave removes the file SaveNote wrote for saved, keeping prev's.
// Saves that rewrote prev's file in place cannot be undone.
func DiscardSave(ctx context.Context, files *filestore.Store, nb *Notebook, prev, saved *Note) error {
	if saved.FileName == prev.FileName {
		return nil
	}
	if err := files.RemoveFile(ctx, nb.Dir, saved.FileName); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// RemoveNote deletes the stored file of entry.
func RemoveNote(ctx context.Context, files *filestore.Store, nb *Notebook, e *index.Entry) error {
	onDisk, ok := nb.Files.Lookup(e.FileName)
	if !ok {
		return apperr.NotFound("removeNote", fmt.Errorf("note %s: no file %s", e.Slug, e.FileName))
	}
	if err := files.RemoveFile(ctx, nb.Dir, onDisk); err != nil {
		return err
	}
	nb.Files.Delete(e.FileName)
	return nil
}

// LogicalName returns the logical file name of the note with slug.
func LogicalName(noteSlug string) string { return noteFileName(noteSlug) }
