package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/vellum/internal/filestore"
	"github.com/starford/vellum/internal/index"
	"github.com/starford/vellum/internal/notebook"
	"github.com/starford/vellum/internal/testutil"
)

// testEnv sets up a temp store, notebook manager, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) http.Handler {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) http.Handler {
	t.Helper()
	_, store := testutil.TestStore(t)
	logger := testutil.Logger()
	m := notebook.NewManager(notebook.NewService(filestore.New(store), logger), logger, nil)
	t.Cleanup(m.Close)
	return NewRouter(m, authEnabled, token, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createNotebook(t *testing.T, router http.Handler, name, password string) string {
	t.Helper()
	w := do(t, router, http.MethodPost, "/notebooks", map[string]string{"name": name, "password": password})
	if w.Code != http.StatusCreated {
		t.Fatalf("create notebook = %d, body = %s", w.Code, w.Body.String())
	}
	var sum notebook.Summary
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	return sum.Slug
}

func createNote(t *testing.T, router http.Handler, nb, title string) index.Entry {
	t.Helper()
	w := do(t, router, http.MethodPost, "/notebooks/"+nb+"/notes", map[string]string{"title": title})
	if w.Code != http.StatusCreated {
		t.Fatalf("create note = %d, body = %s", w.Code, w.Body.String())
	}
	var e index.Entry
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	return e
}

func TestCreateAndGetNote(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")

	e := createNote(t, router, nb, "Hello World")
	if e.Slug != "hello-world" {
		t.Fatalf("slug = %q", e.Slug)
	}

	w := do(t, router, http.MethodGet, "/notebooks/work/notes/hello-world", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Title != "Hello World" || note.InternalID != e.InternalID {
		t.Errorf("note = %+v", note)
	}
	if etag := w.Header().Get("ETag"); etag != `"`+note.Checksum+`"` {
		t.Errorf("ETag = %q, checksum = %q", etag, note.Checksum)
	}
}

func TestCreateDuplicate(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")
	createNote(t, router, nb, "Dup")

	w := do(t, router, http.MethodPost, "/notebooks/work/notes", map[string]string{"title": "dup"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate create = %d, want 409", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Value != "dup" {
		t.Errorf("conflict value = %q, want the colliding title", body.Value)
	}

	w = do(t, router, http.MethodPost, "/notebooks", map[string]string{"name": "work"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate notebook = %d, want 409", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")
	createNote(t, router, nb, "Lock")

	w := do(t, router, http.MethodGet, "/notebooks/work/notes/lock", nil)
	etag := w.Header().Get("ETag")

	w = do(t, router, http.MethodPut, "/notebooks/work/notes/lock", map[string]string{"content": "v2"}, "If-Match", etag)
	if w.Code != http.StatusOK {
		t.Fatalf("update with fresh etag = %d, body = %s", w.Code, w.Body.String())
	}

	// Same stale etag again.
	w = do(t, router, http.MethodPut, "/notebooks/work/notes/lock", map[string]string{"content": "v3"}, "If-Match", etag)
	if w.Code != http.StatusConflict {
		t.Errorf("update with stale etag = %d, want 409", w.Code)
	}
}

func TestUpdateRenamesAndMoves(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")
	createNote(t, router, nb, "Draft")

	w := do(t, router, http.MethodPut, "/notebooks/work/notes/draft", map[string]string{
		"title":   "Weekly Sync",
		"path":    "/meetings/2026/",
		"content": "agenda",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	var note NoteDetail
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Slug != "weekly-sync" || note.Path != "meetings/2026" {
		t.Errorf("note = %+v", note)
	}

	if w := do(t, router, http.MethodGet, "/notebooks/work/notes/draft", nil); w.Code != http.StatusNotFound {
		t.Errorf("old slug = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodGet, "/notebooks/work/index", nil)
	var ix index.Index
	if err := json.Unmarshal(w.Body.Bytes(), &ix); err != nil {
		t.Fatal(err)
	}
	sec := ix.FindSection([]string{"meetings", "2026"})
	if sec == nil || len(sec.Notes) != 1 {
		t.Errorf("section = %+v", sec)
	}
}

func TestDeleteNote(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")
	createNote(t, router, nb, "Bye")

	if w := do(t, router, http.MethodDelete, "/notebooks/work/notes/bye", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/notebooks/work/notes/bye", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestListNotes(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")

	w := do(t, router, http.MethodGet, "/notebooks/work/notes", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"notes":[]`) {
		t.Fatalf("empty list = %d %s", w.Code, w.Body.String())
	}

	createNote(t, router, nb, "One")
	createNote(t, router, nb, "Two")
	w = do(t, router, http.MethodGet, "/notebooks/work/notes", nil)
	var resp NoteListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 2 || len(resp.Notes) != 2 {
		t.Errorf("list = %+v", resp)
	}
}

func TestAddSection(t *testing.T) {
	router := testEnv(t, "")
	createNotebook(t, router, "Work", "")

	body := map[string]string{"name": "ideas", "title": "Ideas"}
	if w := do(t, router, http.MethodPost, "/notebooks/work/sections", body); w.Code != http.StatusCreated {
		t.Fatalf("add section = %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/notebooks/work/sections", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate section = %d, want 409", w.Code)
	}
	bad := map[string]string{"name": "a/b"}
	if w := do(t, router, http.MethodPost, "/notebooks/work/sections", bad); w.Code != http.StatusBadRequest {
		t.Errorf("slash in name = %d, want 400", w.Code)
	}
}

func TestEncryptedNotebookUnlockFlow(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Vault", "correct horse")
	createNote(t, router, nb, "Secret")

	if w := do(t, router, http.MethodPost, "/notebooks/vault/lock", nil); w.Code != http.StatusNoContent {
		t.Fatalf("lock = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/notebooks/vault/notes/secret", nil); w.Code != http.StatusLocked {
		t.Errorf("read while locked = %d, want 423", w.Code)
	}

	w := do(t, router, http.MethodPost, "/notebooks/vault/unlock", map[string]string{"password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != "unlock failed" {
		t.Errorf("error body = %q, want generic message", body.Error)
	}

	if w := do(t, router, http.MethodPost, "/notebooks/vault/unlock", map[string]string{"password": "correct horse"}); w.Code != http.StatusNoContent {
		t.Fatalf("unlock = %d, body = %s", w.Code, w.Body.String())
	}
	if w := do(t, router, http.MethodGet, "/notebooks/vault/notes/secret", nil); w.Code != http.StatusOK {
		t.Errorf("read after unlock = %d", w.Code)
	}

	w = do(t, router, http.MethodGet, "/notebooks", nil)
	if !strings.Contains(w.Body.String(), `"encrypted":true`) {
		t.Errorf("listing = %s", w.Body.String())
	}
}

func TestUnknownNotebook(t *testing.T) {
	router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/notebooks/ghost/notes", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown notebook = %d, want 404", w.Code)
	}
}

func TestCreateNotebookValidation(t *testing.T) {
	router := testEnv(t, "")
	if w := do(t, router, http.MethodPost, "/notebooks", map[string]string{"name": ""}); w.Code != http.StatusBadRequest {
		t.Errorf("empty name = %d, want 400", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/notebooks", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	router := testEnv(t, "secret123")
	w := do(t, router, http.MethodPost, "/notebooks", map[string]string{"name": "Auth"}, "Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/notebooks", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/notebooks", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_QueryTokenOnlyForGET(t *testing.T) {
	router := testEnv(t, "secret123")
	if w := do(t, router, http.MethodGet, "/notebooks?access_token=secret123", nil); w.Code != http.StatusOK {
		t.Errorf("GET with query token = %d, want 200", w.Code)
	}
	w := do(t, router, http.MethodPost, "/notebooks?access_token=secret123", map[string]string{"name": "Q"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("POST with query token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	router := testEnv(t, "")
	if w := do(t, router, http.MethodGet, "/notebooks", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func sseStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	router := testEnvWithSSE(t, true, "secret", sseStub())
	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	router := testEnvWithSSE(t, true, "tok", sseStub())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// Attachment tests.

func uploadFiles(t *testing.T, router http.Handler, nb string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(part, bytes.NewReader(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/notebooks/"+nb+"/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndServeAttachment(t *testing.T) {
	router := testEnv(t, "")
	nb := createNotebook(t, router, "Work", "")

	w := uploadFiles(t, router, nb, map[string][]byte{"test.png": []byte("fake-png-data")})
	if w.Code != http.StatusOK {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Files []FileResult `json:"files"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Files) != 1 || resp.Files[0].Error != "" {
		t.Fatalf("results = %+v", resp.Files)
	}

	w = do(t, router, http.MethodGet, "/notebooks/work/files/test.png", nil)
	if w.Code != http.StatusOK || w.Body.String() != "fake-png-data" {
		t.Errorf("serve = %d %q", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/notebooks/work/files", nil)
	if !strings.Contains(w.Body.String(), "test.png") {
		t.Errorf("file list = %s", w.Body.String())
	}
}

func TestServeAttachment_NotFound(t *testing.T) {
	router := testEnv(t, "")
	createNotebook(t, router, "Work", "")
	if w := do(t, router, http.MethodGet, "/notebooks/work/files/nope.png", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing attachment = %d, want 404", w.Code)
	}
}

func TestUploadAttachment_MissingFileField(t *testing.T) {
	router := testEnv(t, "")
	createNotebook(t, router, "Work", "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("other", "value")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/notebooks/work/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}

func TestUploadAttachment_AuthProtected(t *testing.T) {
	router := testEnv(t, "tok")
	w := uploadFiles(t, router, "work", map[string][]byte{"a.txt": []byte("x")})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("upload without token = %d, want 401", w.Code)
	}
}
