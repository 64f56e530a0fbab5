package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/starford/vellum/internal/codec"
	"github.com/starford/vellum/internal/storage"
)

// Serve answers worker requests read from rw using provider until rw reaches
// EOF or ctx is cancelled. Each request is handled on its own goroutine;
// responses are written in completion order.
func Serve(ctx context.Context, rw io.ReadWriter, provider storage.Provider, logger *slog.Logger) error {
	dec := codec.NewDecoder(rw)
	enc := codec.NewEncoder(rw)
	var encMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: decode request: %w", err)
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			resp := handle(ctx, provider, req)
			if resp.Error != nil {
				logger.Debug("worker call failed",
					slog.String("method", req.Method),
					slog.String("path", req.Args.Path),
					slog.String("error", resp.Error.Message))
			}
			encMu.Lock()
			defer encMu.Unlock()
			if err := enc.Encode(resp); err != nil {
				logger.Warn("worker: write response", slog.String("error", err.Error()))
			}
		}(req)
	}
}

func handle(ctx context.Context, p storage.Provider, req request) response {
	result, err := dispatch(ctx, p, req)
	resp := response{ID: req.ID, Error: toWireError(err)}
	if err != nil {
		return resp
	}
	raw, err := codec.Marshal(result)
	if err != nil {
		resp.Error = toWireError(fmt.Errorf("encode result: %w", err))
		return resp
	}
	resp.Result = raw
	return resp
}

func dispatch(ctx context.Context, p storage.Provider, req request) (any, error) {
	a := req.Args
	switch req.Method {
	case methodReadFile:
		return p.ReadFile(ctx, a.Path)
	case methodReadHead:
		return p.ReadHead(ctx, a.Path, a.N)
	case methodWriteFile:
		return nil, p.WriteFile(ctx, a.Path, a.Data)
	case methodCreateFile:
		return nil, p.CreateFile(ctx, a.Path, a.Data)
	case methodRemove:
		return nil, p.Remove(ctx, a.Path)
	case methodStat:
		return p.Stat(ctx, a.Path)
	case methodList:
		return p.List(ctx, a.Path)
	case methodMkdirAll:
		return nil, p.MkdirAll(ctx, a.Path)
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}
