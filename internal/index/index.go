// Package index is the notebook index: the note entries keyed by slug, the
// id → slug map, and the tree of sections that places every note.
//
// An Index is not safe for concurrent use. Sessions mutate it through a
// Queue, which applies one mutation at a time.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/parser"
)

// Entry describes one note.
type Entry struct {
	InternalID string
	Title      string
	Slug       string
	FileName   string
	Path       []string
}

type entryJSON struct {
	InternalID string `json:"internalId"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	FileName   string `json:"fileName"`
	Path       string `json:"path"`
}

// MarshalJSON writes Path as a "/"-joined string.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		InternalID: e.InternalID,
		Title:      e.Title,
		Slug:       e.Slug,
		FileName:   e.FileName,
		Path:       parser.JoinPath(e.Path),
	})
}

// UnmarshalJSON reads a "/"-joined Path.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Entry{
		InternalID: raw.InternalID,
		Title:      raw.Title,
		Slug:       raw.Slug,
		FileName:   raw.FileName,
		Path:       parser.SplitPath(raw.Path),
	}
	return nil
}

// Section is one node of the section tree.
type Section struct {
	Title    string              `json:"title"`
	Notes    []string            `json:"notes"`
	Children map[string]*Section `json:"children"`
}

func newSection(title string) *Section {
	return &Section{Title: title, Notes: []string{}, Children: map[string]*Section{}}
}

// Index is the whole notebook index.
type Index struct {
	Entries map[string]*Entry `json:"entries"`
	IDMap   map[string]string `json:"idMap"`
	Root    *Section          `json:"root"`
}

// New returns an empty index.
func New() *Index {
	return &Index{
		Entries: map[string]*Entry{},
		IDMap:   map[string]string{},
		Root:    newSection(""),
	}
}

// Parse decodes an index document and checks its invariants.
func Parse(data []byte) (*Index, error) {
	ix := New()
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, fmt.Errorf("index: decode: %w", err)
	}
	if err := ix.normalize(); err != nil {
		return nil, err
	}
	if err := ix.Validate(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Marshal encodes the index document.
func (ix *Index) Marshal() ([]byte, error) {
	return json.Marshal(ix)
}

// normalize fills in empty collections left out of a decoded document. Null
// sections and entries cannot be repaired.
func (ix *Index) normalize() error {
	if ix.Entries == nil {
		ix.Entries = map[string]*Entry{}
	}
	if ix.IDMap == nil {
		ix.IDMap = map[string]string{}
	}
	if ix.Root == nil {
		ix.Root = newSection("")
	}
	if err := ix.checkNil(); err != nil {
		return err
	}
	var fix func(s *Section)
	fix = func(s *Section) {
		if s.Notes == nil {
			s.Notes = []string{}
		}
		if s.Children == nil {
			s.Children = map[string]*Section{}
		}
		for _, c := range s.Children {
			fix(c)
		}
	}
	fix(ix.Root)
	return nil
}

// checkNil reports null entries and null sections, which the tree walk and
// the entry checks cannot handle.
func (ix *Index) checkNil() error {
	var errs []error
	for slug, e := range ix.Entries {
		if e == nil {
			errs = append(errs, fmt.Errorf("entry %q is null", slug))
		}
	}
	var check func(path []string, s *Section)
	check = func(path []string, s *Section) {
		if s == nil {
			errs = append(errs, fmt.Errorf("section %q is null", parser.JoinPath(path)))
			return
		}
		for name, c := range s.Children {
			check(append(slices.Clone(path), name), c)
		}
	}
	check(nil, ix.Root)
	if len(errs) > 0 {
		return apperr.Internal("validate index", errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy.
func (ix *Index) Clone() *Index {
	out := &Index{
		Entries: make(map[string]*Entry, len(ix.Entries)),
		IDMap:   make(map[string]string, len(ix.IDMap)),
		Root:    ix.Root.clone(),
	}
	for slug, e := range ix.Entries {
		c := *e
		c.Path = slices.Clone(e.Path)
		out.Entries[slug] = &c
	}
	for id, slug := range ix.IDMap {
		out.IDMap[id] = slug
	}
	return out
}

func (s *Section) clone() *Section {
	out := &Section{
		Title:    s.Title,
		Notes:    append([]string{}, s.Notes...),
		Children: make(map[string]*Section, len(s.Children)),
	}
	for name, c := range s.Children {
		out.Children[name] = c.clone()
	}
	return out
}

// FindSection walks path from the root. It returns nil if any component is
// missing.
func (ix *Index) FindSection(path []string) *Section {
	s := ix.Root
	for _, name := range path {
		next, ok := s.Children[name]
		if !ok {
			return nil
		}
		s = next
	}
	return s
}

// EnsureSection walks path from the root, creating missing sections.
func (ix *Index) EnsureSection(path []string) *Section {
	s := ix.Root
	for _, name := range path {
		next, ok := s.Children[name]
		if !ok {
			next = newSection(name)
			s.Children[name] = next
		}
		s = next
	}
	return s
}

// AddSection creates the child name under parent, creating parent if needed.
// It fails with Conflict if the child already exists.
func (ix *Index) AddSection(parent []string, name, title string) (*Section, error) {
	if name == "" {
		return nil, apperr.Internal("addSection", errors.New("empty section name"))
	}
	p := ix.EnsureSection(parent)
	if _, ok := p.Children[name]; ok {
		return nil, apperr.Conflict("addSection", name)
	}
	if title == "" {
		title = name
	}
	s := newSection(title)
	p.Children[name] = s
	return s, nil
}

// Entry returns the entry for slug.
func (ix *Index) Entry(slug string) (*Entry, bool) {
	e, ok := ix.Entries[slug]
	return e, ok
}

// EntryByID returns the entry for an internal id.
func (ix *Index) EntryByID(id string) (*Entry, bool) {
	slug, ok := ix.IDMap[id]
	if !ok {
		return nil, false
	}
	return ix.Entry(slug)
}

// AddEntry registers a new note and places it in the section at e.Path.
func (ix *Index) AddEntry(e Entry) error {
	const op = "addEntry"
	if _, ok := ix.Entries[e.Slug]; ok {
		return apperr.Conflict(op, e.Slug)
	}
	if _, ok := ix.IDMap[e.InternalID]; ok {
		return apperr.Conflict(op, e.InternalID)
	}
	e.Path = slices.Clone(e.Path)
	ix.Entries[e.Slug] = &e
	ix.IDMap[e.InternalID] = e.Slug
	s := ix.EnsureSection(e.Path)
	s.Notes = append(s.Notes, e.InternalID)
	return nil
}

// ChangeNotePath moves note id from the section at from to the section at
// to, creating the destination as needed. Empty sections are kept.
func (ix *Index) ChangeNotePath(id string, from, to []string) error {
	const op = "changeNotePath"
	e, ok := ix.EntryByID(id)
	if !ok {
		return apperr.NotFound(op, fmt.Errorf("note %s", id))
	}
	src := ix.FindSection(from)
	if src == nil {
		return apperr.NotFound(op, fmt.Errorf("section %q", parser.JoinPath(from)))
	}
	i := slices.Index(src.Notes, id)
	if i < 0 {
		return apperr.NotFound(op, fmt.Errorf("note %s in section %q", id, parser.JoinPath(from)))
	}
	src.Notes = slices.Delete(src.Notes, i, i+1)

	dst := ix.EnsureSection(to)
	dst.Notes = append(dst.Notes, id)
	e.Path = slices.Clone(to)
	return nil
}

// RenameEntry updates the slug, title and file name of note id. It fails
// with Conflict if newSlug belongs to another note.
func (ix *Index) RenameEntry(id, newSlug, title, fileName string) error {
	const op = "renameEntry"
	e, ok := ix.EntryByID(id)
	if !ok {
		return apperr.NotFound(op, fmt.Errorf("note %s", id))
	}
	if other, taken := ix.Entries[newSlug]; taken && other.InternalID != id {
		return apperr.Conflict(op, newSlug)
	}
	delete(ix.Entries, e.Slug)
	e.Slug = newSlug
	e.Title = title
	e.FileName = fileName
	ix.Entries[newSlug] = e
	ix.IDMap[id] = newSlug
	return nil
}

// RemoveEntry deletes note id from the entries, the id map and its section.
func (ix *Index) RemoveEntry(id string) error {
	e, ok := ix.EntryByID(id)
	if !ok {
		return apperr.NotFound("removeEntry", fmt.Errorf("note %s", id))
	}
	if s := ix.FindSection(e.Path); s != nil {
		s.Notes = slices.DeleteFunc(s.Notes, func(n string) bool { return n == id })
	}
	delete(ix.Entries, e.Slug)
	delete(ix.IDMap, id)
	return nil
}

// Walk visits every section depth-first, children in name order.
func (ix *Index) Walk(fn func(path []string, s *Section)) {
	var walk func(path []string, s *Section)
	walk = func(path []string, s *Section) {
		fn(path, s)
		names := make([]string, 0, len(s.Children))
		for name := range s.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walk(append(slices.Clone(path), name), s.Children[name])
		}
	}
	walk(nil, ix.Root)
}

// Notes returns every entry in tree order.
func (ix *Index) Notes() []Entry {
	var out []Entry
	ix.Walk(func(_ []string, s *Section) {
		for _, id := range s.Notes {
			if e, ok := ix.EntryByID(id); ok {
				out = append(out, *e)
			}
		}
	})
	return out
}

// Validate checks the index invariants: every placed id resolves through
// the id map to an entry, entries and the id map agree, and every note sits
// in exactly one section matching its path.
func (ix *Index) Validate() error {
	if err := ix.checkNil(); err != nil {
		return err
	}
	var errs []error
	for id, slug := range ix.IDMap {
		e, ok := ix.Entries[slug]
		if !ok {
			errs = append(errs, fmt.Errorf("id %s maps to unknown slug %q", id, slug))
			continue
		}
		if e.InternalID != id {
			errs = append(errs, fmt.Errorf("slug %q belongs to %s, id map says %s", slug, e.InternalID, id))
		}
	}
	for slug, e := range ix.Entries {
		if e.Slug != slug {
			errs = append(errs, fmt.Errorf("entry keyed %q has slug %q", slug, e.Slug))
		}
		if ix.IDMap[e.InternalID] != slug {
			errs = append(errs, fmt.Errorf("entry %q missing from id map", slug))
		}
	}

	placed := make(map[string]int)
	ix.Walk(func(path []string, s *Section) {
		for _, id := range s.Notes {
			placed[id]++
			e, ok := ix.EntryByID(id)
			if !ok {
				errs = append(errs, fmt.Errorf("section %q lists unknown id %s", parser.JoinPath(path), id))
				continue
			}
			if !slices.Equal(e.Path, path) && !(len(e.Path) == 0 && len(path) == 0) {
				errs = append(errs, fmt.Errorf("note %s placed in %q but path is %q", id, parser.JoinPath(path), parser.JoinPath(e.Path)))
			}
		}
	})
	for id, n := range placed {
		if n > 1 {
			errs = append(errs, fmt.Errorf("note %s placed in %d sections", id, n))
		}
	}
	for id := range ix.IDMap {
		if placed[id] == 0 {
			errs = append(errs, fmt.Errorf("note %s is not placed in any section", id))
		}
	}

	if len(errs) > 0 {
		return apperr.Internal("validate index", errors.Join(errs...))
	}
	return nil
}
