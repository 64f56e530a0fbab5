// Package notebook implements notes and the notebook lifecycle on top of the
// encrypted file store: finding, unlocking and creating notebooks, saving
// their index, storing attachments, and the per-notebook Session that the
// API and MCP surfaces drive.
package notebook

import (
	"path"
	"sync"

	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/index"
)

// Reserved names inside a notebook directory.
const (
	MetadataFile = "metadata.json"
	IndexFile    = "index.json"
	KeyFile      = "key.json"
	FilesDir     = "files"

	// NotebooksDir is the store directory holding one directory per notebook.
	NotebooksDir = "notebooks"

	noteExt = ".md"
)

// Dir returns the store directory of the notebook with the given slug.
func Dir(slug string) string {
	return path.Join(NotebooksDir, slug)
}

// EncryptionStatus of an open notebook.
type EncryptionStatus string

const (
	StatusNone      EncryptionStatus = "none"
	StatusDecrypted EncryptionStatus = "decrypted"
)

// Metadata is the content of metadata.json.
type Metadata struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Slug        string  `json:"slug"`
}

// KeyFileData is the content of key.json. It is stored unencrypted.
type KeyFileData struct {
	NotebookName          string             `json:"notebookName"`
	ProtectedSymmetricKey crypt.Base64Cipher `json:"protectedSymmetricKey"`
	MasterKeySalt         crypt.StdBase64    `json:"masterKeySalt"`
}

// Found is the result of looking a notebook up: an *EncryptedNotebook while
// it is locked, or a *Notebook when it is not encrypted.
type Found interface {
	NotebookSlug() string
}

// EncryptedNotebook is a locked notebook: only its key material is visible.
type EncryptedNotebook struct {
	Slug                  string
	Dir                   string
	Name                  string
	ProtectedSymmetricKey crypt.RawCipher
	MasterKeySalt         []byte
}

// NotebookSlug implements Found.
func (e *EncryptedNotebook) NotebookSlug() string { return e.Slug }

// Notebook is an open notebook, either decrypted or never encrypted.
type Notebook struct {
	Status   EncryptionStatus
	Metadata Metadata
	Index    *index.Index
	Slug     string
	Dir      string
	Key      *crypt.SymmetricKey

	// Files maps logical names in Dir to on-disk names, Attachments does
	// the same for FilesDir. Both are identity maps for plain notebooks.
	Files       *FileMap
	Attachments *FileMap

	ProtectedSymmetricKey *crypt.RawCipher
	MasterKeySalt         []byte
}

// NotebookSlug implements Found.
func (nb *Notebook) NotebookSlug() string { return nb.Slug }

// Encrypted reports whether content is encrypted under Key.
func (nb *Notebook) Encrypted() bool { return nb.Key != nil }

// FilesPath is the attachments directory.
func (nb *Notebook) FilesPath() string { return path.Join(nb.Dir, FilesDir) }

// FileMap maps logical file names to on-disk names. It is safe for
// concurrent use.
type FileMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewFileMap returns a map holding a copy of m.
func NewFileMap(m map[string]string) *FileMap {
	fm := &FileMap{m: make(map[string]string, len(m))}
	for k, v := range m {
		fm.m[k] = v
	}
	return fm
}

// Lookup returns the on-disk name of logical.
func (f *FileMap) Lookup(logical string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.m[logical]
	return v, ok
}

// Set records the on-disk name of logical and returns the previous one.
func (f *FileMap) Set(logical, onDisk string) (prev string, had bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had = f.m[logical]
	f.m[logical] = onDisk
	return prev, had
}

// Delete forgets logical.
func (f *FileMap) Delete(logical string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, logical)
}

// Names returns the logical names.
func (f *FileMap) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for k := range f.m {
		out = append(out, k)
	}
	return out
}

// Len returns the number of entries.
func (f *FileMap) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.m)
}
