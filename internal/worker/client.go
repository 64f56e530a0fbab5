package worker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/starford/vellum/internal/codec"
	"github.com/starford/vellum/internal/storage"
)

// Client forwards storage calls to a worker. It implements storage.Provider.
type Client struct {
	conn   io.ReadWriteCloser
	enc    *codec.Encoder
	logger *slog.Logger

	encMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	fault   error

	done chan struct{}
}

var _ storage.Provider = (*Client)(nil)

// NewClient starts reading responses from conn and returns a client that
// issues requests over it. The client owns conn.
func NewClient(conn io.ReadWriteCloser, logger *slog.Logger) *Client {
	c := &Client{
		conn:    conn,
		enc:     codec.NewEncoder(conn),
		logger:  logger,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	dec := codec.NewDecoder(c.conn)
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("worker: response for unknown request", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

// fail rejects every outstanding call and all future ones.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.fault == nil {
		c.fault = fmt.Errorf("%w: %v", ErrWorkerFault, cause)
		if !errors.Is(cause, io.EOF) && !errors.Is(cause, io.ErrClosedPipe) && !errors.Is(cause, os.ErrClosed) {
			c.logger.Error("worker faulted", slog.String("error", cause.Error()))
		}
	}
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.conn.Close()
}

// Close shuts the transport down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	faulted := c.fault != nil
	c.mu.Unlock()
	var err error
	if !faulted {
		err = c.conn.Close()
	}
	<-c.done
	return err
}

// register allocates an unused random request identifier.
func (c *Client) register() (uint64, chan response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault != nil {
		return 0, nil, c.fault
	}
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, nil, fmt.Errorf("worker: request id: %w", err)
		}
		id := binary.BigEndian.Uint64(b[:])
		if _, taken := c.pending[id]; taken {
			continue
		}
		ch := make(chan response, 1)
		c.pending[id] = ch
		return id, ch, nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, args callArgs, result any) error {
	id, ch, err := c.register()
	if err != nil {
		return err
	}

	c.encMu.Lock()
	err = c.enc.Encode(request{Method: method, ID: id, Args: args})
	c.encMu.Unlock()
	if err != nil {
		c.fail(err)
		c.mu.Lock()
		fault := c.fault
		c.mu.Unlock()
		return fault
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			fault := c.fault
			c.mu.Unlock()
			return fault
		}
		if resp.Error != nil {
			return &remoteError{method: method, path: args.Path, kind: resp.Error.Kind, msg: resp.Error.Message}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := codec.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("worker: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// ReadFile implements storage.Provider.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	if err := c.call(ctx, methodReadFile, callArgs{Path: path}, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ReadHead implements storage.Provider.
func (c *Client) ReadHead(ctx context.Context, path string, n int) ([]byte, error) {
	var data []byte
	if err := c.call(ctx, methodReadHead, callArgs{Path: path, N: n}, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile implements storage.Provider.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	return c.call(ctx, methodWriteFile, callArgs{Path: path, Data: data}, nil)
}

// CreateFile implements storage.Provider.
func (c *Client) CreateFile(ctx context.Context, path string, data []byte) error {
	return c.call(ctx, methodCreateFile, callArgs{Path: path, Data: data}, nil)
}

// Remove implements storage.Provider.
func (c *Client) Remove(ctx context.Context, path string) error {
	return c.call(ctx, methodRemove, callArgs{Path: path}, nil)
}

// Stat implements storage.Provider.
func (c *Client) Stat(ctx context.Context, path string) (storage.Entry, error) {
	var e storage.Entry
	err := c.call(ctx, methodStat, callArgs{Path: path}, &e)
	return e, err
}

// List implements storage.Provider.
func (c *Client) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := c.call(ctx, methodList, callArgs{Path: dir}, &entries)
	return entries, err
}

// MkdirAll implements storage.Provider.
func (c *Client) MkdirAll(ctx context.Context, dir string) error {
	return c.call(ctx, methodMkdirAll, callArgs{Path: dir}, nil)
}
