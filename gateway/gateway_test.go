package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGateway(t *testing.T, defs ...supervisor.Definition) *Gateway {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	sup, err := supervisor.New(log, defs, supervisor.Options{GracePeriod: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return New(log, sup)
}

func TestGatewaySession(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t,
		supervisor.Definition{Name: "echo", Spec: supervisor.LaunchSpec{Command: "cat"}},
		supervisor.Definition{Name: "idle", Spec: supervisor.LaunchSpec{Command: "cat"}},
	)

	assert.Equal(t, []supervisor.ProcessInfo{{Name: "echo"}, {Name: "idle"}}, g.ListKnownProcesses())

	res, err := g.EnsureStarted(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, Started, res)
	res, err = g.EnsureStarted(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res)

	sub, err := g.Subscribe(ctx, "echo")
	require.NoError(t, err)
	defer g.Unsubscribe(sub)

	require.NoError(t, g.Send(ctx, "echo", []byte("hello\n")))

	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "hello") {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok)
			out.Write(ev.Data)
		case <-timeout:
			t.Fatalf("no echo, got %q", out.String())
		}
	}

	assert.Equal(t, []string{"echo"}, g.Running())

	require.NoError(t, g.Stop("echo"))
	require.ErrorIs(t, g.Stop("echo"), supervisor.ErrNotRunning)

	for ev := range sub.Events() {
		if ev.Kind == supervisor.EventTerminated {
			break
		}
	}
	g.Unsubscribe(sub)
}

func TestGatewaySubscribeAutoStarts(t *testing.T) {
	g := newTestGateway(t, supervisor.Definition{Name: "echo", Spec: supervisor.LaunchSpec{Command: "cat"}})

	sub, err := g.Subscribe(context.Background(), "echo")
	require.NoError(t, err)
	defer g.Unsubscribe(sub)

	assert.Equal(t, []supervisor.ProcessInfo{{Name: "echo", Running: true}}, g.ListKnownProcesses())
}

func TestGatewayUnknownProcess(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	_, err := g.EnsureStarted(ctx, "nope")
	assert.ErrorIs(t, err, supervisor.ErrNotFound)
	_, err = g.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, supervisor.ErrNotFound)
	assert.ErrorIs(t, g.Send(ctx, "nope", []byte("x")), supervisor.ErrNotFound)
	assert.ErrorIs(t, g.Stop("nope"), supervisor.ErrNotFound)
	g.Unsubscribe(nil)
}
