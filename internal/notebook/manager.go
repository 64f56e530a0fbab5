package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/vellum/internal/apperr"
)

// Summary describes one notebook in a listing.
type Summary struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Encrypted bool   `json:"encrypted"`
	Locked    bool   `json:"locked"`
}

// Manager keeps one Session per opened notebook.
type Manager struct {
	svc     *Service
	logger  *slog.Logger
	onEvent EventFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session registry over svc. onEvent may be nil.
func NewManager(svc *Service, logger *slog.Logger, onEvent EventFunc) *Manager {
	return &Manager{
		svc:      svc,
		logger:   logger,
		onEvent:  onEvent,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for slug, opening it on first use. Unknown
// notebooks are NotFound.
func (m *Manager) Open(ctx context.Context, slug string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[slug]; ok {
		return s, nil
	}
	found, err := m.svc.FindNotebook(ctx, slug)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apperr.NotFound("openNotebook", fmt.Errorf("notebook %s", slug))
	}
	s := NewSession(m.svc, found, m.logger, m.onEvent)
	m.sessions[slug] = s
	return s, nil
}

// Create creates a notebook and opens it. A non-empty password makes the
// notebook encrypted; it starts unlocked.
func (m *Manager) Create(ctx context.Context, name string, description *string, password string) (*Session, error) {
	p := CreateParams{Name: name, Description: description}
	if password != "" {
		keys, err := NewKeyMaterial(password)
		if err != nil {
			return nil, err
		}
		p.Keys = keys
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	nb, err := m.svc.CreateNotebook(ctx, p)
	if err != nil {
		return nil, err
	}
	s := NewSession(m.svc, nb, m.logger, m.onEvent)
	m.sessions[nb.Slug] = s
	if m.onEvent != nil {
		m.onEvent(Event{Type: EventNotebookChanged, Notebook: nb.Slug})
	}
	return s, nil
}

// List summarizes every notebook in the store.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	slugs, err := m.svc.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(slugs))
	for _, slug := range slugs {
		s, err := m.Open(ctx, slug)
		if err != nil {
			m.logger.Warn("skipping unreadable notebook",
				slog.String("notebook", slug),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, Summary{
			Slug:      slug,
			Name:      s.Name(),
			Encrypted: s.Encrypted(),
			Locked:    s.Locked(),
		})
	}
	return out, nil
}

// Lock locks the notebook's session if it is open.
func (m *Manager) Lock(slug string) {
	m.mu.Lock()
	s, ok := m.sessions[slug]
	m.mu.Unlock()
	if ok {
		s.Lock()
	}
}

// Forget drops the session for slug, for example after the notebook
// directory disappeared.
func (m *Manager) Forget(slug string) {
	m.mu.Lock()
	s, ok := m.sessions[slug]
	delete(m.sessions, slug)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slug, s := range m.sessions {
		s.Close()
		delete(m.sessions, slug)
	}
}
