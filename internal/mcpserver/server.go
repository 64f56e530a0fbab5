// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Vellum notebooks for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/notebook"
)

const contractURI = "vellum://note-format"

// Server wraps the MCP server with Vellum tools.
type Server struct {
	mcp       *server.MCPServer
	notebooks *notebook.Manager
	logger    *slog.Logger
}

// New creates a new MCP server with all Vellum tools registered.
func New(notebooks *notebook.Manager, logger *slog.Logger) *Server {
	s := &Server{notebooks: notebooks, logger: logger}

	s.mcp = server.NewMCPServer(
		"Vellum",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notebooks",
		mcp.WithDescription("List notebooks with their lock state."),
	), s.listNotebooks)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List the notes of a notebook in section order."),
		mcp.WithString("notebook", mcp.Required(), mcp.Description("Notebook slug")),
		mcp.WithString("section", mcp.Description("Optional \"/\"-joined section path to filter by")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the Markdown body of a note."),
		mcp.WithString("notebook", mcp.Required(), mcp.Description("Notebook slug")),
		mcp.WithString("slug", mcp.Required(), mcp.Description("Note slug")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a note in the notebook root. "+
			"Read the contract first via the get_note_contract tool or the "+contractURI+" resource."),
		mcp.WithString("notebook", mcp.Required(), mcp.Description("Notebook slug")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title; the slug is derived from it")),
		mcp.WithString("content", mcp.Description("Markdown body without front matter")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("add_file",
		mcp.WithDescription("Attach an image or document to a notebook from an http(s) URL or a base64 data URI."),
		mcp.WithString("notebook", mcp.Required(), mcp.Description("Notebook slug")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.addFile)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the Vellum note format contract. "+
			"Call this before creating notes."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("How notes are stored and addressed."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// toolError turns a notebook error into a tool-level error result. Internal
// causes are logged and hidden.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrConflict):
		return mcp.NewToolResultError(fmt.Sprintf("conflict: %s already exists", apperr.ConflictValue(err)))
	case errors.Is(err, notebook.ErrLocked):
		return mcp.NewToolResultError("notebook is locked")
	default:
		s.logger.Error("mcp "+op+" failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError("internal error")
	}
}

func (s *Server) session(ctx context.Context, req mcp.CallToolRequest) (*notebook.Session, *mcp.CallToolResult) {
	slug, err := req.RequireString("notebook")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	sess, err := s.notebooks.Open(ctx, slug)
	if err != nil {
		return nil, s.toolError("open notebook", err)
	}
	return sess, nil
}

func (s *Server) listNotebooks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.notebooks.List(ctx)
	if err != nil {
		return s.toolError("list notebooks", err), nil
	}
	out, _ := json.MarshalIndent(list, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.session(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	section := strings.Trim(req.GetString("section", ""), "/")

	notes, err := sess.ListNotes(ctx)
	if err != nil {
		return s.toolError("list notes", err), nil
	}
	var lines []string
	for _, e := range notes {
		p := strings.Join(e.Path, "/")
		if section != "" && p != section && !strings.HasPrefix(p, section+"/") {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", e.Slug, p, e.Title))
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("no notes"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.session(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	slug, err := req.RequireString("slug")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := sess.FindNote(ctx, slug)
	if err != nil {
		return s.toolError("read note", err), nil
	}
	if note == nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", slug)), nil
	}
	return mcp.NewToolResultText(note.Content), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errRes := s.session(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := req.GetString("content", "")

	e, err := sess.CreateNewNote(ctx, title)
	if err != nil {
		return s.toolError("create note", err), nil
	}
	if content != "" {
		note, err := sess.FindNote(ctx, e.Slug)
		if err != nil || note == nil {
			if err == nil {
				err = apperr.NotFound("createNote", fmt.Errorf("note %s vanished", e.Slug))
			}
			return s.toolError("create note", err), nil
		}
		note.Content = content
		if _, err := sess.SaveUpdatedNote(ctx, note, note.Checksum); err != nil {
			return s.toolError("create note", err), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", e.Slug)), nil
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
