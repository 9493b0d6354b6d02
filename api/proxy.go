package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/stdiogateway/supervisor"
	"golang.org/x/sync/errgroup"
)

// ErrProcessTerminated is returned by Proxy.Run when the remote process exits.
var ErrProcessTerminated = errors.New("remote process terminated")

// Proxy makes a remote process look local: stdin lines become commands and the process's
// output is written to stdout and stderr. Each stdin line must be one JSON value.
type Proxy struct {
	Client *Client
	Server string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	mu sync.Mutex
}

type rpcError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcErrorBody    `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

const rpcInternalError = -32603

// Run starts the remote process, attaches to its output and forwards stdin until stdin
// ends, ctx is done or the process terminates.
func (p *Proxy) Run(ctx context.Context) error {
	log := p.Client.Logger.With("Server", p.Server)

	res, err := p.Client.Start(ctx, p.Server)
	if err != nil {
		return fmt.Errorf("starting %s: %w", p.Server, err)
	}
	log.Infow("remote process ready", "Status", res)

	stream, err := p.Client.OpenStream(ctx, p.Server)
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", p.Server, err)
	}
	defer stream.Close()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		readErr <- readLines(p.Stdin, lines, done)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return stream.Close()
	})
	g.Go(func() error {
		return p.pump(stream)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-readErr:
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				log.Info("stdin closed, shutting down")
				return errStdinClosed
			case line := <-lines:
				p.forward(gctx, line)
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, errStdinClosed) {
		return nil
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

var errStdinClosed = errors.New("stdin closed")

func readLines(r io.Reader, out chan<- []byte, done <-chan struct{}) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxBodyBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case out <- append([]byte(nil), line...):
		case <-done:
			return nil
		}
	}
	return scanner.Err()
}

// pump copies output messages to stdout and stderr until the stream ends.
func (p *Proxy) pump(stream *Stream) error {
	for {
		msg, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrProcessTerminated
			}
			return err
		}
		switch msg.Type {
		case string(supervisor.EventOutput):
			w := p.Stdout
			if msg.Source == string(supervisor.SourceStderr) {
				w = p.Stderr
			}
			if err := p.write(w, []byte(msg.Data)); err != nil {
				return err
			}
		case string(supervisor.EventTerminated):
			return ErrProcessTerminated
		}
	}
}

// forward sends one line as a command. Invalid lines and failed sends are answered on
// stdout with a JSON-RPC error carrying the request's id when it has one.
func (p *Proxy) forward(ctx context.Context, line []byte) {
	if !json.Valid(line) {
		var v interface{}
		p.writeRPCError(nil, "Internal error", json.Unmarshal(line, &v))
		return
	}
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(line, &req)
	if err := p.Client.Send(ctx, p.Server, line); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.writeRPCError(req.ID, "Internal error", err)
	}
}

func (p *Proxy) writeRPCError(id json.RawMessage, message string, err error) {
	p.Client.Logger.Debugf("command failed: %s", err)
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	b, merr := json.Marshal(rpcError{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErrorBody{Code: rpcInternalError, Message: message, Data: err.Error()},
	})
	if merr != nil {
		return
	}
	p.write(p.Stdout, append(b, '\n'))
}

func (p *Proxy) write(w io.Writer, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := w.Write(b)
	return err
}
