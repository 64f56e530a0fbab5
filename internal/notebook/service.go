package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/crypt"
	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/index"
)

// nameWorkers bounds concurrent file-name decryption during unlock.
const nameWorkers = 8

// Service implements the notebook lifecycle over a file store.
type Service struct {
	files  *filestore.Store
	logger *slog.Logger
}

// NewService creates a new notebook service.
func NewService(files *filestore.Store, logger *slog.Logger) *Service {
	return &Service{files: files, logger: logger}
}

// Files returns the underlying file store.
func (s *Service) Files() *filestore.Store { return s.files }

// ListNotebooks returns the slugs of every notebook directory, sorted.
func (s *Service) ListNotebooks(ctx context.Context) ([]string, error) {
	ok, err := s.files.DirExists(ctx, NotebooksDir)
	if err != nil || !ok {
		return nil, err
	}
	entries, err := s.files.List(ctx, NotebooksDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

// FindNotebook looks up a notebook by slug. A missing notebook is reported
// as nil with no error. A notebook with a key file is returned locked as an
// *EncryptedNotebook; any other is loaded as a plain *Notebook.
func (s *Service) FindNotebook(ctx context.Context, slug string) (Found, error) {
	dir := Dir(slug)
	ok, err := s.files.DirExists(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	hasKey, err := s.files.FileExists(ctx, dir, KeyFile)
	if err != nil {
		return nil, err
	}
	if hasKey {
		return s.readKeyFile(ctx, slug)
	}
	return s.loadPlain(ctx, slug)
}

func (s *Service) readKeyFile(ctx context.Context, slug string) (*EncryptedNotebook, error) {
	const op = "findNotebook"
	var kf KeyFileData
	if err := s.files.ReadJSONFile(ctx, Dir(slug), KeyFile, nil, &kf); err != nil {
		return nil, err
	}
	protected, err := kf.ProtectedSymmetricKey.Raw()
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("%s: protected key: %w", slug, err))
	}
	salt, err := kf.MasterKeySalt.Decode()
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("%s: salt: %w", slug, err))
	}
	return &EncryptedNotebook{
		Slug:                  slug,
		Dir:                   Dir(slug),
		Name:                  kf.NotebookName,
		ProtectedSymmetricKey: protected,
		MasterKeySalt:         salt,
	}, nil
}

func (s *Service) loadPlain(ctx context.Context, slug string) (*Notebook, error) {
	dir := Dir(slug)
	files, err := s.plainNames(ctx, dir)
	if err != nil {
		return nil, err
	}
	attachments, err := s.plainNames(ctx, path.Join(dir, FilesDir))
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	nb := &Notebook{
		Status:      StatusNone,
		Slug:        slug,
		Dir:         dir,
		Files:       NewFileMap(files),
		Attachments: NewFileMap(attachments),
	}
	if err := s.loadDocuments(ctx, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

func (s *Service) plainNames(ctx context.Context, dir string) (map[string]string, error) {
	entries, err := s.files.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			out[e.Name] = e.Name
		}
	}
	return out, nil
}

// loadDocuments reads metadata.json and index.json through nb.Files.
func (s *Service) loadDocuments(ctx context.Context, nb *Notebook) error {
	const op = "loadNotebook"
	metaName, ok := nb.Files.Lookup(MetadataFile)
	if !ok {
		return apperr.NotFound(op, fmt.Errorf("%s: %s", nb.Slug, MetadataFile))
	}
	indexName, ok := nb.Files.Lookup(IndexFile)
	if !ok {
		return apperr.NotFound(op, fmt.Errorf("%s: %s", nb.Slug, IndexFile))
	}

	if err := s.files.ReadJSONFile(ctx, nb.Dir, metaName, nb.Key, &nb.Metadata); err != nil {
		return err
	}
	data, err := s.files.ReadFile(ctx, nb.Dir, indexName, nb.Key)
	if err != nil {
		return err
	}
	ix, err := index.Parse(data)
	if err != nil {
		return apperr.Internal(op, fmt.Errorf("%s: %w", nb.Slug, err))
	}
	nb.Index = ix
	return nil
}

// DecryptNotebook unlocks enc with key: it rebuilds the file maps by
// decrypting every on-disk name, then loads the metadata and index.
func (s *Service) DecryptNotebook(ctx context.Context, enc *EncryptedNotebook, key crypt.SymmetricKey) (*Notebook, error) {
	files, err := s.decryptNames(ctx, enc.Dir, key, KeyFile, FilesDir)
	if err != nil {
		return nil, err
	}
	attachments, err := s.decryptNames(ctx, path.Join(enc.Dir, FilesDir), key)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	protected := enc.ProtectedSymmetricKey
	nb := &Notebook{
		Status:                StatusDecrypted,
		Slug:                  enc.Slug,
		Dir:                   enc.Dir,
		Key:                   &key,
		Files:                 NewFileMap(files),
		Attachments:           NewFileMap(attachments),
		ProtectedSymmetricKey: &protected,
		MasterKeySalt:         enc.MasterKeySalt,
	}
	if err := s.loadDocuments(ctx, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

type decryptedName struct {
	logical string
	onDisk  string
	modTime time.Time
}

// decryptNames maps logical names to on-disk names for every file in dir
// except the skipped names. Files whose name does not decrypt under key are
// skipped. When two files decrypt to the same name, the newest one wins and
// the older one is removed.
func (s *Service) decryptNames(ctx context.Context, dir string, key crypt.SymmetricKey, skip ...string) (map[string]string, error) {
	entries, err := s.files.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		names []decryptedName
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(nameWorkers)
	for _, e := range entries {
		if e.IsDir || contains(skip, e.Name) {
			continue
		}
		g.Go(func() error {
			logical, err := s.files.DecryptFileName(gCtx, dir, crypt.URLBase64(e.Name), key)
			if err != nil {
				if errors.Is(err, apperr.ErrDecryption) {
					s.logger.Warn("skipping file with undecryptable name",
						slog.String("dir", dir),
						slog.String("file", e.Name))
					return nil
				}
				return err
			}
			mu.Lock()
			names = append(names, decryptedName{logical: logical, onDisk: e.Name, modTime: e.ModTime})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Newest first so the first occurrence of each name is the survivor.
	sort.Slice(names, func(i, j int) bool { return names[i].modTime.After(names[j].modTime) })
	out := make(map[string]string, len(names))
	for _, n := range names {
		if _, dup := out[n.logical]; dup {
			s.logger.Warn("removing stale duplicate file",
				slog.String("dir", dir),
				slog.String("file", n.onDisk))
			if err := s.files.RemoveFile(ctx, dir, n.onDisk); err != nil {
				s.logger.Warn("remove stale duplicate failed", slog.String("error", err.Error()))
			}
			continue
		}
		out[n.logical] = n.onDisk
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// KeyMaterial protects a new notebook's content key.
type KeyMaterial struct {
	Key                   crypt.SymmetricKey
	ProtectedSymmetricKey crypt.RawCipher
	MasterKeySalt         []byte
}

// NewKeyMaterial generates a content key protected by password under a fresh
// random salt.
func NewKeyMaterial(password string) (*KeyMaterial, error) {
	salt, err := crypt.GenerateSalt()
	if err != nil {
		return nil, err
	}
	info, err := crypt.DeriveInitialKeys(salt, password)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		Key:                   info.SymmetricKey,
		ProtectedSymmetricKey: info.ProtectedSymmetricKey,
		MasterKeySalt:         info.MasterKeySalt,
	}, nil
}

// CreateParams describes a new notebook.
type CreateParams struct {
	Name        string
	Description *string
	Slug        string
	// Keys, when set, makes the notebook encrypted.
	Keys *KeyMaterial
}

// CreateNotebook creates the notebook directory and writes its metadata,
// an empty index and, for encrypted notebooks, the key file. The writes
// are issued concurrently. An existing directory is a Conflict.
func (s *Service) CreateNotebook(ctx context.Context, p CreateParams) (*Notebook, error) {
	const op = "createNotebook"
	slug := p.Slug
	if slug == "" {
		slug = Slugify(p.Name)
	}
	if slug == "" {
		return nil, apperr.Internal(op, errors.New("notebook name has no usable characters"))
	}
	dir := Dir(slug)

	exists, err := s.files.DirExists(ctx, dir)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if exists {
		return nil, apperr.Conflict(op, slug)
	}
	if err := s.files.MkdirAll(ctx, path.Join(dir, FilesDir)); err != nil {
		return nil, apperr.Internal(op, err)
	}

	nb := &Notebook{
		Status:      StatusNone,
		Metadata:    Metadata{Name: p.Name, Description: p.Description, Slug: slug},
		Index:       index.New(),
		Slug:        slug,
		Dir:         dir,
		Files:       NewFileMap(nil),
		Attachments: NewFileMap(nil),
	}
	if p.Keys != nil {
		key := p.Keys.Key
		protected := p.Keys.ProtectedSymmetricKey
		nb.Status = StatusDecrypted
		nb.Key = &key
		nb.ProtectedSymmetricKey = &protected
		nb.MasterKeySalt = p.Keys.MasterKeySalt
	}

	metaJSON, err := json.Marshal(nb.Metadata)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	indexJSON, err := nb.Index.Marshal()
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	write := func(logical string, data []byte) {
		g.Go(func() error {
			fileName, err := s.files.WriteFile(gCtx, dir, logical, data, nb.Key)
			if err != nil {
				return err
			}
			nb.Files.Set(logical, fileName)
			return nil
		})
	}
	write(MetadataFile, metaJSON)
	write(IndexFile, indexJSON)
	if p.Keys != nil {
		kf, err := json.Marshal(KeyFileData{
			NotebookName:          p.Name,
			ProtectedSymmetricKey: p.Keys.ProtectedSymmetricKey.Base64(),
			MasterKeySalt:         crypt.EncodeStd(p.Keys.MasterKeySalt),
		})
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		g.Go(func() error {
			_, err := s.files.WriteFile(gCtx, dir, KeyFile, kf, nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Internal(op, err)
	}

	s.logger.Info("notebook created",
		slog.String("notebook", slug),
		slog.Bool("encrypted", nb.Encrypted()))
	return nb, nil
}

// SaveIndex rewrites index.json from ix. For encrypted notebooks the
// previous index file is removed once the new one is written.
func (s *Service) SaveIndex(ctx context.Context, nb *Notebook, ix *index.Index) error {
	const op = "saveNotebookIndex"
	data, err := ix.Marshal()
	if err != nil {
		return apperr.Internal(op, err)
	}
	fileName, err := s.files.WriteFile(ctx, nb.Dir, IndexFile, data, nb.Key)
	if err != nil {
		return err
	}
	prev, had := nb.Files.Set(IndexFile, fileName)
	if had && prev != fileName {
		if err := s.files.RemoveFile(ctx, nb.Dir, prev); err != nil {
			s.logger.Warn("remove stale index failed",
				slog.String("notebook", nb.Slug),
				slog.String("error", err.Error()))
		}
	}
	nb.Index = ix
	return nil
}

// Upload is one attachment to store.
type Upload struct {
	Name string
	Data io.Reader
}

// FileResult is the outcome of storing one Upload.
type FileResult struct {
	Name     string `json:"name"`
	FileName string `json:"fileName,omitempty"`
	Err      error  `json:"-"`
}

// AddFiles stores uploads under the notebook's files directory. Each upload
// succeeds or fails on its own; the results are in upload order.
func (s *Service) AddFiles(ctx context.Context, nb *Notebook, uploads []Upload) []FileResult {
	results := make([]FileResult, len(uploads))
	var g errgroup.Group
	g.SetLimit(nameWorkers)
	for i, u := range uploads {
		results[i].Name = u.Name
		g.Go(func() error {
			fileName, err := s.addFile(ctx, nb, u)
			results[i].FileName = fileName
			results[i].Err = err
			if err != nil {
				s.logger.Warn("attachment failed",
					slog.String("notebook", nb.Slug),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) addFile(ctx context.Context, nb *Notebook, u Upload) (string, error) {
	const op = "addFile"
	if u.Name == "" || u.Name != path.Base(u.Name) || u.Name == "." || u.Name == ".." {
		return "", apperr.Internal(op, fmt.Errorf("invalid file name %q", u.Name))
	}
	fileName, err := s.files.WriteStream(ctx, nb.FilesPath(), u.Name, u.Data, nb.Key)
	if err != nil {
		return "", err
	}
	prev, had := nb.Attachments.Set(u.Name, fileName)
	if had && prev != fileName {
		if err := s.files.RemoveFile(ctx, nb.FilesPath(), prev); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("remove replaced attachment failed", slog.String("error", err.Error()))
		}
	}
	return fileName, nil
}

// LoadFile returns the content of the attachment with logical name.
func (s *Service) LoadFile(ctx context.Context, nb *Notebook, name string) ([]byte, error) {
	fileName, ok := nb.Attachments.Lookup(name)
	if !ok {
		return nil, apperr.NotFound("loadFile", fmt.Errorf("%s: %s", nb.Slug, name))
	}
	return s.files.ReadFile(ctx, nb.FilesPath(), fileName, nb.Key)
}

// FileLoader returns a loader for attachments referenced from note
// content. A missing attachment yields nil data and no error.
func (s *Service) FileLoader(nb *Notebook) func(ctx context.Context, src string) ([]byte, error) {
	return func(ctx context.Context, src string) ([]byte, error) {
		data, err := s.LoadFile(ctx, nb, path.Base(src))
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return data, err
	}
}

// ChangePassword re-protects the notebook key under newPassword and a fresh
// salt. Only key.json is rewritten.
func (s *Service) ChangePassword(ctx context.Context, nb *Notebook, oldPassword, newPassword string) error {
	const op = "changePassword"
	if !nb.Encrypted() || nb.ProtectedSymmetricKey == nil {
		return apperr.Internal(op, errors.New("notebook is not encrypted"))
	}
	key, err := crypt.UnwrapKey(*nb.ProtectedSymmetricKey, nb.MasterKeySalt, oldPassword)
	if err != nil {
		return err
	}
	if !key.Equal(*nb.Key) {
		return apperr.Decryption(op, errors.New("key mismatch"))
	}
	salt, err := crypt.GenerateSalt()
	if err != nil {
		return err
	}
	protected, err := crypt.RewrapKey(key, salt, newPassword)
	if err != nil {
		return err
	}
	kf, err := json.Marshal(KeyFileData{
		NotebookName:          nb.Metadata.Name,
		ProtectedSymmetricKey: protected.Base64(),
		MasterKeySalt:         crypt.EncodeStd(salt),
	})
	if err != nil {
		return apperr.Internal(op, err)
	}
	if _, err := s.files.WriteFile(ctx, nb.Dir, KeyFile, kf, nil); err != nil {
		return err
	}
	nb.ProtectedSymmetricKey = &protected
	nb.MasterKeySalt = salt
	s.logger.Info("notebook password changed", slog.String("notebook", nb.Slug))
	return nil
}
