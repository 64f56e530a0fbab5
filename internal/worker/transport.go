package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"

	"github.com/starford/vellum/internal/storage"
)

// Start runs an embedded worker over an in-memory pipe and returns a client
// connected to it. The worker stops when the client is closed or ctx ends.
func Start(ctx context.Context, provider storage.Provider, logger *slog.Logger) *Client {
	clientConn, serverConn := net.Pipe()
	go func() {
		defer serverConn.Close()
		if err := Serve(ctx, serverConn, provider, logger); err != nil {
			logger.Error("embedded worker stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = serverConn.Close()
	}()
	return NewClient(clientConn, logger)
}

// StartProcess launches name with args as a separate worker process that
// serves requests on its stdin and stdout, and returns a client connected
// to it. Closing the client ends the child's input and reaps it.
func StartProcess(ctx context.Context, logger *slog.Logger, name string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", name, err)
	}
	logger.Info("worker process started", slog.Int("pid", cmd.Process.Pid))

	return NewClient(&processConn{cmd: cmd, stdin: stdin, stdout: stdout}, logger), nil
}

// ServeStdio serves worker requests on the current process's stdin and
// stdout. It is the body of the worker subcommand.
func ServeStdio(ctx context.Context, provider storage.Provider, logger *slog.Logger) error {
	return Serve(ctx, stdio{}, provider, logger)
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *processConn) Close() error {
	err := c.stdin.Close()
	if werr := c.cmd.Wait(); werr != nil {
		var exitErr *exec.ExitError
		if !errors.As(werr, &exitErr) {
			err = errors.Join(err, werr)
		}
	}
	return err
}
