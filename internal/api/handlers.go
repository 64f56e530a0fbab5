package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vellum/internal/index"
	"github.com/starford/vellum/internal/notebook"
	"github.com/starford/vellum/internal/parser"
)

// Handler holds API route handlers.
type Handler struct {
	notebooks *notebook.Manager
}

// NewHandler creates a new Handler.
func NewHandler(notebooks *notebook.Manager) *Handler {
	return &Handler{notebooks: notebooks}
}

// session resolves the {notebook} URL parameter, writing the error response
// itself when that fails.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*notebook.Session, bool) {
	s, err := h.notebooks.Open(r.Context(), chi.URLParam(r, "notebook"))
	if err != nil {
		writeError(w, "open notebook", err)
		return nil, false
	}
	return s, true
}

// ListNotebooks handles GET /api/notebooks.
//
//	@Summary		List notebooks
//	@Tags			notebooks
//	@Produce		json
//	@Success		200	{array}	notebook.Summary
//	@Security		BearerAuth
//	@Router			/notebooks [get]
func (h *Handler) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	list, err := h.notebooks.List(r.Context())
	if err != nil {
		writeError(w, "list notebooks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebooks": list})
}

// CreateNotebook handles POST /api/notebooks.
//
//	@Summary		Create a notebook, encrypted when a password is given
//	@Tags			notebooks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNotebookRequest	true	"Notebook to create"
//	@Success		201		{object}	notebook.Summary
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks [post]
func (h *Handler) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	var req CreateNotebookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.notebooks.Create(r.Context(), req.Name, req.Description, req.Password)
	if err != nil {
		writeError(w, "create notebook", err)
		return
	}
	writeJSON(w, http.StatusCreated, notebook.Summary{
		Slug:      s.Slug(),
		Name:      s.Name(),
		Encrypted: s.Encrypted(),
		Locked:    s.Locked(),
	})
}

// Unlock handles POST /api/notebooks/{notebook}/unlock.
//
//	@Summary		Unlock an encrypted notebook
//	@Tags			notebooks
//	@Accept			json
//	@Param			body	body	UnlockRequest	true	"Password"
//	@Success		204		"Unlocked"
//	@Failure		401		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{notebook}/unlock [post]
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req UnlockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Unlock(r.Context(), req.Password); err != nil {
		writeError(w, "unlock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Lock handles POST /api/notebooks/{notebook}/lock.
func (h *Handler) Lock(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.session(w, r); !ok {
		return
	}
	h.notebooks.Lock(chi.URLParam(r, "notebook"))
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword handles PUT /api/notebooks/{notebook}/password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ChangePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		writeError(w, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Index handles GET /api/notebooks/{notebook}/index.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	ix, err := s.Index(r.Context())
	if err != nil {
		writeError(w, "read index", err)
		return
	}
	writeJSON(w, http.StatusOK, ix)
}

// AddSection handles POST /api/notebooks/{notebook}/sections.
func (h *Handler) AddSection(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req AddSectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.AddSection(r.Context(), parser.SplitPath(req.Parent), req.Name, req.Title); err != nil {
		writeError(w, "add section", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ListNotes handles GET /api/notebooks/{notebook}/notes.
//
//	@Summary		List notes in tree order
//	@Tags			notes
//	@Produce		json
//	@Success		200	{object}	NoteListResponse
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{notebook}/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	notes, err := s.ListNotes(r.Context())
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	if notes == nil {
		notes = []index.Entry{}
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: len(notes)})
}

// CreateNote handles POST /api/notebooks/{notebook}/notes.
//
//	@Summary		Create a new note in the root section
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	index.Entry
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{notebook}/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CreateNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, err := s.CreateNewNote(r.Context(), req.Title)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetNote handles GET /api/notebooks/{notebook}/notes/{slug}.
//
//	@Summary		Get a single note by slug
//	@Tags			notes
//	@Produce		json
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{notebook}/notes/{slug} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	note, err := s.FindNote(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	if note == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, noteDetail(note))
}

// UpdateNote handles PUT /api/notebooks/{notebook}/notes/{slug}.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			If-Match	header	string				false	"Checksum of the version being edited"
//	@Param			body		body	UpdateNoteRequest	true	"Changed fields"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{notebook}/notes/{slug} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req UpdateNoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := s.FindNote(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	if note == nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	if req.Title != nil {
		note.Meta.Title = *req.Title
	}
	if req.Path != nil {
		note.Meta.Path = parser.JoinPath(parser.SplitPath(*req.Path))
	}
	if req.Content != nil {
		note.Content = *req.Content
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	saved, err := s.SaveUpdatedNote(r.Context(), note, ifMatch)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	w.Header().Set("ETag", `"`+saved.Checksum+`"`)
	writeJSON(w, http.StatusOK, noteDetail(saved))
}

// DeleteNote handles DELETE /api/notebooks/{notebook}/notes/{slug}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.DeleteNote(r.Context(), chi.URLParam(r, "slug")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
