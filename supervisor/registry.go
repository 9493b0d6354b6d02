package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type entry struct {
	mu     sync.Mutex
	handle *Handle
}

// Registry maps process names to at most one live Handle each.
//
// The registry lock only guards the name->entry map. Starting and stopping a
// name serialize on that name's entry, so different names never wait on each other
// while a process is being launched.
type Registry struct {
	log   *zap.SugaredLogger
	opts  BroadcastOptions
	grace time.Duration

	closed atomic.Bool

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(log *zap.SugaredLogger, opts BroadcastOptions, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Registry{
		log:     log.Named("registry"),
		opts:    opts,
		grace:   grace,
		entries: map[string]*entry{},
	}
}

func (r *Registry) entry(name string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok && create {
		e = &entry{}
		r.entries[name] = e
	}
	return e
}

// Start launches the process unless a live handle already exists for name, in which
// case that handle is returned with started=false. On failure the entry stays empty.
func (r *Registry) Start(name string, spec LaunchSpec) (h *Handle, started bool, err error) {
	e := r.entry(name, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil && e.handle.Live() {
		return e.handle, false, nil
	}
	e.handle = nil
	if r.closed.Load() {
		return nil, false, ErrShuttingDown
	}

	h, err = launch(r.log, name, spec, r.opts)
	if err != nil {
		r.log.Infow("launch failed", "Process", name, "Error", err)
		return nil, false, err
	}
	e.handle = h
	return h, true, nil
}

// Get returns the live handle for name, or nil.
func (r *Registry) Get(name string) *Handle {
	e := r.entry(name, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != nil && e.handle.Live() {
		return e.handle
	}
	return nil
}

// detach empties the entry and returns its handle if it was live.
func (r *Registry) detach(name string) *Handle {
	e := r.entry(name, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.handle
	e.handle = nil
	if h == nil || !h.Live() {
		return nil
	}
	return h
}

// Stop removes the live handle for name and terminates it in the background,
// escalating to SIGKILL after the grace period. Returns ErrNotRunning if there is no live handle.
func (r *Registry) Stop(name string) error {
	h := r.detach(name)
	if h == nil {
		return ErrNotRunning
	}
	h.Terminate(r.grace)
	return nil
}

// StopAll stops every live process and refuses further starts. It waits for the
// processes to exit until ctx is done; a process that fails to exit does not
// prevent stopping the others.
func (r *Registry) StopAll(ctx context.Context) error {
	r.closed.Store(true)

	var handles []*Handle
	for _, name := range r.names() {
		if h := r.detach(name); h != nil {
			r.log.Infow("stopping", "Process", name)
			h.Terminate(r.grace)
			handles = append(handles, h)
		}
	}

	var err error
	for _, h := range handles {
		if waitErr := h.Wait(ctx); waitErr != nil {
			err = multierr.Append(err, fmt.Errorf("waiting for %q to exit: %w", h.Name, waitErr))
		}
	}
	return err
}

// Running returns the sorted names of all processes with a live handle.
func (r *Registry) Running() []string {
	var running []string
	for _, name := range r.names() {
		if r.Get(name) != nil {
			running = append(running, name)
		}
	}
	return running
}

func (r *Registry) names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}
