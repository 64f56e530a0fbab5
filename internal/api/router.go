package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vellum/internal/notebook"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(notebooks *notebook.Manager, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(notebooks)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/notebooks", h.ListNotebooks)
	r.Post("/notebooks", h.CreateNotebook)

	r.Route("/notebooks/{notebook}", func(r chi.Router) {
		r.Post("/unlock", h.Unlock)
		r.Post("/lock", h.Lock)
		r.Put("/password", h.ChangePassword)

		r.Get("/index", h.Index)
		r.Post("/sections", h.AddSection)

		// Notes CRUD.
		r.Get("/notes", h.ListNotes)
		r.Post("/notes", h.CreateNote)
		r.Get("/notes/{slug}", h.GetNote)
		r.Put("/notes/{slug}", h.UpdateNote)
		r.Delete("/notes/{slug}", h.DeleteNote)

		// Attachments.
		r.Get("/files", h.ListFiles)
		r.Post("/files", h.Upload)
		r.Get("/files/{name}", h.ServeFile)
	})

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
