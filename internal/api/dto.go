package api

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/vellum/internal/index"
	"github.com/starford/vellum/internal/notebook"
)

const (
	maxTitleLen    = 200
	maxPasswordLen = 1024
)

// CreateNotebookRequest is the request body for creating a notebook. An
// empty password creates an unencrypted notebook.
type CreateNotebookRequest struct {
	Name        string  `json:"name" example:"Journal" validate:"required"`
	Description *string `json:"description,omitempty" example:"Daily notes"`
	Password    string  `json:"password,omitempty"`
}

// Validate validates the request.
func (r CreateNotebookRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, maxTitleLen)),
		validation.Field(&r.Password, validation.Length(0, maxPasswordLen)),
	)
}

// UnlockRequest is the request body for unlocking a notebook.
type UnlockRequest struct {
	Password string `json:"password" validate:"required"`
}

// Validate validates the request.
func (r UnlockRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Password, validation.Required, validation.Length(1, maxPasswordLen)),
	)
}

// ChangePasswordRequest is the request body for re-protecting a notebook key.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// Validate validates the request.
func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OldPassword, validation.Required, validation.Length(1, maxPasswordLen)),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(1, maxPasswordLen)),
	)
}

// CreateNoteRequest is the request body for creating a note. An empty title
// gives the note a generated slug.
type CreateNoteRequest struct {
	Title string `json:"title" example:"Meeting notes"`
}

// Validate validates the request.
func (r CreateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Length(0, maxTitleLen)),
	)
}

// UpdateNoteRequest is the request body for saving a note. Omitted fields
// keep their stored value.
type UpdateNoteRequest struct {
	Title   *string `json:"title,omitempty" example:"Meeting notes"`
	Path    *string `json:"path,omitempty" example:"work/meetings"`
	Content *string `json:"content,omitempty" example:"# Agenda"`
}

// Validate validates the request.
func (r UpdateNoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Length(0, maxTitleLen)),
		validation.Field(&r.Path, validation.Length(0, 1024)),
	)
}

// AddSectionRequest is the request body for creating a section.
type AddSectionRequest struct {
	Parent string `json:"parent,omitempty" example:"work"`
	Name   string `json:"name" example:"meetings" validate:"required"`
	Title  string `json:"title,omitempty" example:"Meetings"`
}

// Validate validates the request.
func (r AddSectionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, maxTitleLen),
			validation.By(noSlash)),
		validation.Field(&r.Title, validation.Length(0, maxTitleLen)),
	)
}

func noSlash(value any) error {
	if s, _ := value.(string); strings.Contains(s, "/") {
		return errors.New("must not contain '/'")
	}
	return nil
}

// NoteDetail is the response payload for a single note.
type NoteDetail struct {
	InternalID string `json:"internalId"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	Path       string `json:"path"`
	Content    string `json:"content"`
	Checksum   string `json:"checksum"`
}

func noteDetail(n *notebook.Note) NoteDetail {
	return NoteDetail{
		InternalID: n.InternalID,
		Slug:       n.Meta.Slug,
		Title:      n.Meta.Title,
		Path:       n.Meta.Path,
		Content:    n.Content,
		Checksum:   n.Checksum,
	}
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []index.Entry `json:"notes" validate:"required"`
	Total int           `json:"total" example:"42" validate:"required"`
}

// FileResult is the outcome of one uploaded attachment.
type FileResult struct {
	Name     string `json:"name"`
	FileName string `json:"fileName,omitempty"`
	Error    string `json:"error,omitempty"`
}
