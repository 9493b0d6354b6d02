// Package gateway is the façade that transports call to drive supervised processes.
package gateway

import (
	"context"

	"github.com/guseggert/stdiogateway/supervisor"
	"go.uber.org/zap"
)

type StartResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already_running"
)

// Gateway coordinates the supervisor and the command channel. It holds no state of its own.
type Gateway struct {
	log      *zap.SugaredLogger
	sup      *supervisor.Supervisor
	commands *supervisor.CommandChannel
}

func New(log *zap.SugaredLogger, sup *supervisor.Supervisor) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{
		log:      log.Named("gateway"),
		sup:      sup,
		commands: supervisor.NewCommandChannel(log, sup),
	}
}

// EnsureStarted starts the named process if it is not running.
// Errors are supervisor.ErrNotFound or a *supervisor.LaunchError.
func (g *Gateway) EnsureStarted(ctx context.Context, name string) (StartResult, error) {
	_, started, err := g.sup.EnsureStarted(ctx, name)
	if err != nil {
		return "", err
	}
	if started {
		return Started, nil
	}
	return AlreadyRunning, nil
}

// Subscribe attaches to the named process's output, starting the process if needed.
// The caller must Unsubscribe when its connection goes away.
func (g *Gateway) Subscribe(ctx context.Context, name string) (*supervisor.Subscription, error) {
	h, _, err := g.sup.EnsureStarted(ctx, name)
	if err != nil {
		return nil, err
	}
	sub, err := h.Broadcaster().Subscribe()
	if err != nil {
		return nil, err
	}
	g.log.Debugw("subscribed", "Process", name, "ID", sub.ID)
	return sub, nil
}

// Unsubscribe detaches a subscription. It is safe to call more than once.
func (g *Gateway) Unsubscribe(sub *supervisor.Subscription) {
	if sub == nil {
		return
	}
	sub.Unsubscribe()
	g.log.Debugw("unsubscribed", "Process", sub.Name, "ID", sub.ID)
}

// Send writes payload to the named process's stdin, starting the process if needed.
func (g *Gateway) Send(ctx context.Context, name string, payload []byte) error {
	return g.commands.Send(ctx, name, payload)
}

// Stop stops the named process. Returns supervisor.ErrNotRunning if it is not running.
func (g *Gateway) Stop(name string) error {
	return g.sup.Stop(name)
}

// ListKnownProcesses lists every configured process in configuration order.
func (g *Gateway) ListKnownProcesses() []supervisor.ProcessInfo {
	return g.sup.Known()
}

// Running returns the sorted names of running processes.
func (g *Gateway) Running() []string {
	return g.sup.Running()
}
