package api

import (
	"mime/multipart"
	"net/http"
	"path"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/starford/vellum/internal/notebook"
)

const maxUploadBytes = 50 << 20 // 50 MB

// ListFiles handles GET /api/notebooks/{notebook}/files.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	names, err := s.Attachments()
	if err != nil {
		writeError(w, "list files", err)
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"files": names})
}

// ServeFile handles GET /api/notebooks/{notebook}/files/{name}.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	data, err := s.LoadFile(r.Context(), name)
	if err != nil {
		writeError(w, "load file", err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Upload handles POST /api/notebooks/{notebook}/files (multipart/form-data,
// one or more "file" fields). Each file is reported separately; the status
// is 200 even when some of them failed.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}

	uploads := make([]notebook.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("unreadable upload"))
			return
		}
		defer func(f multipart.File) { _ = f.Close() }(f)
		uploads = append(uploads, notebook.Upload{Name: path.Base(fh.Filename), Data: f})
	}

	results, err := s.AddFiles(r.Context(), uploads)
	if err != nil {
		writeError(w, "upload", err)
		return
	}
	out := make([]FileResult, len(results))
	for i, res := range results {
		out[i] = FileResult{Name: res.Name, FileName: res.FileName}
		if res.Err != nil {
			out[i].Error = "upload failed"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}
