// Package worker runs notebook file I/O in an isolated worker and exposes it
// to the rest of the process as a storage.Provider.
//
// The worker speaks a CBOR request/response protocol. Every request carries
// a random identifier; the client keeps a table of outstanding requests and
// routes each response to the caller that owns its identifier, so any number
// of calls may be in flight at once. The transport is any io.ReadWriteCloser:
// an in-memory pipe for the embedded worker, or the stdio of a child process.
package worker

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/starford/vellum/internal/codec"
)

// Methods understood by the worker.
const (
	methodReadFile   = "readFile"
	methodReadHead   = "readHead"
	methodWriteFile  = "writeFile"
	methodCreateFile = "createFile"
	methodRemove     = "remove"
	methodStat       = "stat"
	methodList       = "list"
	methodMkdirAll   = "mkdirAll"
)

// Error kinds carried across the wire.
const (
	kindNotExist = "not_exist"
	kindExist    = "exist"
	kindInternal = "internal"
)

// ErrWorkerFault is returned to every outstanding call when the transport
// to the worker fails. A faulted client rejects all further calls.
var ErrWorkerFault = errors.New("worker: fault")

// request is encoded as [method, id, args].
type request struct {
	_      struct{} `cbor:",toarray"`
	Method string
	ID     uint64
	Args   callArgs
}

// response is encoded as [id, result, error].
type response struct {
	_      struct{} `cbor:",toarray"`
	ID     uint64
	Result codec.RawMessage
	Error  *wireError
}

type callArgs struct {
	Path string `cbor:"path"`
	N    int    `cbor:"n,omitempty"`
	Data []byte `cbor:"data,omitempty"`
}

type wireError struct {
	_       struct{} `cbor:",toarray"`
	Kind    string
	Message string
}

func toWireError(err error) *wireError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return &wireError{Kind: kindNotExist, Message: err.Error()}
	case errors.Is(err, fs.ErrExist):
		return &wireError{Kind: kindExist, Message: err.Error()}
	default:
		return &wireError{Kind: kindInternal, Message: err.Error()}
	}
}

// remoteError is a failure reported by the worker for a single call.
type remoteError struct {
	method string
	path   string
	kind   string
	msg    string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("worker: %s %s: %s", e.method, e.path, e.msg)
}

// Is maps wire kinds back onto the fs sentinels so callers can keep using
// errors.Is(err, fs.ErrNotExist) regardless of the transport.
func (e *remoteError) Is(target error) bool {
	switch e.kind {
	case kindNotExist:
		return target == fs.ErrNotExist
	case kindExist:
		return target == fs.ErrExist
	}
	return false
}
