// Package apperr defines the error taxonomy shared by every vault layer.
//
// Callers branch with errors.Is against the Err* sentinels; *Error carries the
// failing operation and, for conflicts, the colliding value.
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
	ErrDecryption = errors.New("decryption failed")
)

// Error is a classified failure. Kind is one of the Err* sentinels.
type Error struct {
	Kind  error
	Op    string
	Value string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// NotFound returns a NotFound error for op.
func NotFound(op string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Err: err}
}

// Conflict returns a Conflict error naming the colliding value.
func Conflict(op, value string) error {
	return &Error{Kind: ErrConflict, Op: op, Value: value}
}

// Internal wraps err as an Internal error. An already classified error is
// returned unchanged.
func Internal(op string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: ErrInternal, Op: op, Err: err}
}

// Decryption wraps an authentication failure.
func Decryption(op string, err error) error {
	return &Error{Kind: ErrDecryption, Op: op, Err: err}
}

// Normalize classifies a storage-boundary error: not-exist conditions become
// NotFound, classified errors pass through, anything else becomes Internal.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return NotFound(op, err)
	}
	return Internal(op, err)
}

// ConflictValue returns the colliding value carried by a Conflict error.
func ConflictValue(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == ErrConflict {
		return ae.Value
	}
	return ""
}
