package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// input serializes writers to a process's stdin.
type input struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// write hands all of p to the OS before any other writer gets a turn.
func (in *input) write(p []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrNotAvailable
	}
	if _, err := in.w.Write(p); err != nil {
		return fmt.Errorf("%w: writing to stdin: %s", ErrNotAvailable, err)
	}
	return nil
}

func (in *input) close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	return in.w.Close()
}

// CommandChannel delivers payloads to the stdin of named processes, starting them
// when they are not running. It only guarantees the bytes were handed to the OS;
// replies show up on the process's output.
type CommandChannel struct {
	log *zap.SugaredLogger
	sup *Supervisor
}

func NewCommandChannel(log *zap.SugaredLogger, sup *Supervisor) *CommandChannel {
	return &CommandChannel{log: log.Named("commands"), sup: sup}
}

// Send writes payload to the named process's stdin. Concurrent sends to the same
// process never interleave; their relative order is unspecified.
//
// Returns ErrNotFound for unknown names and an error matching ErrNotAvailable if the
// process could not be started or its stdin is closed.
func (c *CommandChannel) Send(ctx context.Context, name string, payload []byte) error {
	h, _, err := c.sup.EnsureStarted(ctx, name)
	if err != nil {
		return err
	}
	if err := h.send(payload); err != nil {
		c.log.Debugw("send failed", "Process", name, "Bytes", len(payload), "Error", err)
		return err
	}
	c.log.Debugw("sent payload", "Process", name, "Bytes", len(payload))
	return nil
}
