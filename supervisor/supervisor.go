package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Definition names a launchable process.
type Definition struct {
	Name string
	Spec LaunchSpec
}

// ProcessInfo is the listing entry for a known process.
type ProcessInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type Options struct {
	Broadcast   BroadcastOptions
	GracePeriod time.Duration
}

// Supervisor owns the fixed set of known processes and the registry of running ones.
type Supervisor struct {
	log      *zap.SugaredLogger
	order    []string
	specs    map[string]LaunchSpec
	registry *Registry
}

// New builds a Supervisor for defs. Names must be unique and non-empty.
// A nil logger disables logging.
func New(log *zap.SugaredLogger, defs []Definition, opts Options) (*Supervisor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Supervisor{
		log:   log.Named("supervisor"),
		specs: map[string]LaunchSpec{},
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("process definition with empty name")
		}
		if d.Spec.Command == "" {
			return nil, fmt.Errorf("process %q has no command", d.Name)
		}
		if _, ok := s.specs[d.Name]; ok {
			return nil, fmt.Errorf("duplicate process %q", d.Name)
		}
		s.specs[d.Name] = d.Spec
		s.order = append(s.order, d.Name)
	}
	s.registry = NewRegistry(s.log, opts.Broadcast, opts.GracePeriod)
	return s, nil
}

// EnsureStarted returns the live handle for name, launching it if needed.
// started reports whether this call launched it.
func (s *Supervisor) EnsureStarted(ctx context.Context, name string) (h *Handle, started bool, err error) {
	spec, ok := s.specs[name]
	if !ok {
		return nil, false, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.registry.Start(name, spec)
}

// Get returns the live handle for name, or nil.
func (s *Supervisor) Get(name string) *Handle {
	return s.registry.Get(name)
}

// Stop stops the named process. Returns ErrNotFound for unknown names and
// ErrNotRunning if it has no live handle.
func (s *Supervisor) Stop(name string) error {
	if _, ok := s.specs[name]; !ok {
		return ErrNotFound
	}
	return s.registry.Stop(name)
}

func (s *Supervisor) Known() []ProcessInfo {
	infos := make([]ProcessInfo, 0, len(s.order))
	for _, name := range s.order {
		infos = append(infos, ProcessInfo{Name: name, Running: s.registry.Get(name) != nil})
	}
	return infos
}

func (s *Supervisor) Running() []string {
	return s.registry.Running()
}

// Shutdown stops all processes and refuses new ones. It returns once every process
// exited or ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	err := s.registry.StopAll(ctx)
	if err != nil {
		s.log.Warnw("processes did not exit cleanly", "Error", err)
	}
	return err
}
