package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/stdiogateway/gateway"
	inet "github.com/guseggert/stdiogateway/internal/net"
	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

var (
	echoDef = supervisor.Definition{Name: "echo", Spec: supervisor.LaunchSpec{Command: "cat"}}
	idleDef = supervisor.Definition{Name: "idle", Spec: supervisor.LaunchSpec{Command: "cat"}}
)

type testEnv struct {
	t   *testing.T
	sup *supervisor.Supervisor
	gw  *gateway.Gateway
	srv *Server
	url string
}

func newSupervisor(t *testing.T, defs ...supervisor.Definition) *supervisor.Supervisor {
	t.Helper()
	sup, err := supervisor.New(log.Sugar(), defs, supervisor.Options{GracePeriod: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup
}

func newGateway(t *testing.T, defs ...supervisor.Definition) *gateway.Gateway {
	t.Helper()
	return gateway.New(log.Sugar(), newSupervisor(t, defs...))
}

func newTestEnv(t *testing.T, opts []Option, defs ...supervisor.Definition) *testEnv {
	t.Helper()
	sup := newSupervisor(t, defs...)
	gw := gateway.New(log.Sugar(), sup)
	srv, err := NewServer(gw, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config.BaseContext = func(net.Listener) context.Context { return srv.baseCtx }
	ts.Start()
	t.Cleanup(func() {
		srv.cancelBase()
		ts.Close()
	})
	return &testEnv{t: t, sup: sup, gw: gw, srv: srv, url: ts.URL}
}

func (e *testEnv) client(opts ...ClientOption) *Client {
	base := []ClientOption{
		WithClientLogger(log),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 0
		}),
	}
	c, err := NewClient(e.url, append(base, opts...)...)
	require.NoError(e.t, err)
	return c
}

func requireStatus(t *testing.T, err error, code int, msg string) {
	t.Helper()
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "expected a StatusError, got %v", err)
	assert.Equal(t, code, statusErr.Code)
	if msg != "" {
		assert.Equal(t, msg, statusErr.Message)
	}
}

// collectOutput reads messages until the collected stdout output contains want.
func collectOutput(t *testing.T, next func() (Message, error), want string) {
	t.Helper()
	var out strings.Builder
	for !strings.Contains(out.String(), want) {
		msg, err := next()
		require.NoError(t, err, "waiting for %q, got %q", want, out.String())
		if msg.Type == string(supervisor.EventOutput) && msg.Source == string(supervisor.SourceStdout) {
			assert.Equal(t, "echo", msg.Server)
			out.WriteString(msg.Data)
		}
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, []Option{WithAuthToken("s3cret")}, echoDef)
	ctx := context.Background()

	h, err := env.client().Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, []string{}, h.RunningServers)
	_, err = time.Parse(time.RFC3339, h.Timestamp)
	assert.NoError(t, err)

	_, err = env.client().Servers(ctx)
	requireStatus(t, err, http.StatusUnauthorized, "access token required")

	_, err = env.client(WithClientToken("wrong")).Servers(ctx)
	requireStatus(t, err, http.StatusUnauthorized, "invalid token")

	servers, err := env.client(WithClientToken("s3cret")).Servers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []supervisor.ProcessInfo{{Name: "echo"}}, servers)
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, echoDef, idleDef)
	c := env.client()
	ctx := context.Background()

	res, err := c.Start(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, gateway.Started, res)

	res, err = c.Start(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, gateway.AlreadyRunning, res)

	servers, err := c.Servers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []supervisor.ProcessInfo{{Name: "echo", Running: true}, {Name: "idle"}}, servers)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, h.RunningServers)

	require.NoError(t, c.Stop(ctx, "echo"))
	requireStatus(t, c.Stop(ctx, "echo"), http.StatusNotFound, "server not running")
	requireStatus(t, c.Stop(ctx, "idle"), http.StatusNotFound, "server not running")
}

func TestUnknownServer(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)
	c := env.client()
	ctx := context.Background()

	_, err := c.Start(ctx, "nope")
	requireStatus(t, err, http.StatusNotFound, "server not found")
	requireStatus(t, c.Stop(ctx, "nope"), http.StatusNotFound, "server not found")
	requireStatus(t, c.Send(ctx, "nope", json.RawMessage(`{}`)), http.StatusNotFound, "server not found")
	_, err = c.OpenStream(ctx, "nope")
	requireStatus(t, err, http.StatusNotFound, "server not found")
	_, err = c.OpenWS(ctx, "nope")
	requireStatus(t, err, http.StatusNotFound, "server not found")
}

func TestLaunchFailure(t *testing.T) {
	env := newTestEnv(t, nil, supervisor.Definition{Name: "broken", Spec: supervisor.LaunchSpec{Command: "/nonexistent/binary"}})

	_, err := env.client().Start(context.Background(), "broken")
	requireStatus(t, err, http.StatusInternalServerError, "failed to start server")
}

func TestCommandValidation(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "hello"},
		{name: "no command", body: `{}`},
		{name: "null command", body: `{"command":null}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := http.Post(env.url+"/mcp/echo/command", "application/json", strings.NewReader(c.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, env.gw.Running())
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)
	c := env.client()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := c.OpenStream(ctx, "echo")
	require.NoError(t, err)
	defer stream.Close()

	// subscribing starts the process
	assert.Equal(t, []string{"echo"}, env.gw.Running())

	require.NoError(t, c.Send(ctx, "echo", json.RawMessage(`{"jsonrpc": "2.0", "id": 1, "method": "ping"}`)))
	collectOutput(t, stream.Next, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	require.NoError(t, c.Stop(ctx, "echo"))
	var last Message
	for {
		msg, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = msg
	}
	assert.Equal(t, string(supervisor.EventTerminated), last.Type)
	assert.Equal(t, "echo", last.Server)
}

func TestSSEFrames(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.url+"/mcp/echo/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	require.NoError(t, env.client().Send(ctx, "echo", json.RawMessage(`"hi"`)))

	buf := make([]byte, 4096)
	var got bytes.Buffer
	for !bytes.Contains(got.Bytes(), []byte("\n\n")) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	var data string
	for _, line := range strings.Split(got.String(), "\n") {
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			break
		}
	}
	require.NotEmpty(t, data, got.String())
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, Message{Type: "output", Source: "stdout", Data: "\"hi\"\n", Timestamp: msg.Timestamp, Server: "echo"}, msg)
}

func TestStreamClientsUnsubscribeOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)
	c := env.client()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var streams []*Stream
	for i := 0; i < 5; i++ {
		stream, err := c.OpenStream(ctx, "echo")
		require.NoError(t, err)
		streams = append(streams, stream)
	}
	ws, err := c.OpenWS(ctx, "echo")
	require.NoError(t, err)

	h := env.sup.Get("echo")
	require.NotNil(t, h)
	assert.Equal(t, 6, h.Broadcaster().Len())

	for _, stream := range streams {
		require.NoError(t, stream.Close())
	}
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return h.Broadcaster().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	// the process outlives its subscribers
	assert.Equal(t, []string{"echo"}, env.gw.Running())
}

func TestServersRouteNextToProcessRoutes(t *testing.T) {
	env := newTestEnv(t, nil, supervisor.Definition{Name: "servers", Spec: supervisor.LaunchSpec{Command: "cat"}})
	c := env.client()
	ctx := context.Background()

	res, err := c.Start(ctx, "servers")
	require.NoError(t, err)
	assert.Equal(t, gateway.Started, res)

	servers, err := c.Servers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []supervisor.ProcessInfo{{Name: "servers", Running: true}}, servers)

	require.NoError(t, c.Stop(ctx, "servers"))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)

	for _, path := range []string{"/health", "/mcp/servers"} {
		resp, err := http.Get(env.url + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), path)
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"), path)
		assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"), path)
	}
}

func TestWebSocketSession(t *testing.T) {
	env := newTestEnv(t, nil, echoDef)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, err := env.client().OpenWS(ctx, "echo")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Send(ctx, json.RawMessage(`{"id": 7}`)))
	collectOutput(t, func() (Message, error) { return ws.Next(ctx) }, `{"id":7}`+"\n")

	require.NoError(t, ws.Send(ctx, json.RawMessage(`null`)))
	for {
		msg, err := ws.Next(ctx)
		require.NoError(t, err)
		if msg.Type == MessageError {
			assert.Contains(t, msg.Error, "invalid command")
			break
		}
	}

	require.NoError(t, env.gw.Stop("echo"))
	for {
		msg, err := ws.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if msg.Type == string(supervisor.EventTerminated) {
			assert.Equal(t, "echo", msg.Server)
		}
	}
}

func TestIPAllowList(t *testing.T) {
	env := newTestEnv(t, []Option{WithAllowedIPs([]string{"10.0.0.0/8"})}, echoDef)
	ctx := context.Background()

	_, err := env.client().Health(ctx)
	require.NoError(t, err)

	_, err = env.client().Servers(ctx)
	requireStatus(t, err, http.StatusForbidden, "access denied")
	_, err = env.client().Start(ctx, "echo")
	requireStatus(t, err, http.StatusForbidden, "access denied")
	assert.Empty(t, env.gw.Running())
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, []Option{WithRateLimit(time.Hour, 2)}, echoDef)
	c := env.client()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Servers(ctx)
		require.NoError(t, err)
	}
	_, err := c.Servers(ctx)
	requireStatus(t, err, http.StatusTooManyRequests, "")

	// health is not limited
	_, err = c.Health(ctx)
	require.NoError(t, err)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, []Option{WithAllowedOrigins([]string{"http://localhost:3000"})}, echoDef)

	req, err := http.NewRequest(http.MethodOptions, env.url+"/mcp/servers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), "authorization")

	req, err = http.NewRequest(http.MethodGet, env.url+"/mcp/servers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.url+"/mcp/servers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRunWithMutualTLS(t *testing.T) {
	certs, err := GenerateCerts([]string{"127.0.0.1", "localhost"}, time.Hour)
	require.NoError(t, err)
	serverTLS, err := ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	require.NoError(t, err)

	listenAddr, err := inet.FreeTCPAddr("127.0.0.1")
	require.NoError(t, err)

	srv, err := NewServer(newGateway(t, echoDef),
		WithLogger(log),
		WithListenAddr(listenAddr),
		WithTLSConfig(serverTLS),
	)
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr, err := srv.Addr(ctx)
	require.NoError(t, err)
	url := "https://" + addr.String()

	clientTLS, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	require.NoError(t, err)
	c, err := NewClient(url, WithClientLogger(log), WithClientTLSConfig(clientTLS), WithClientWaitInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, c.WaitForServer(ctx))

	noCertTLS, err := ClientTLSConfig(certs.CA.CertPEMBytes, nil, nil)
	require.NoError(t, err)
	anon, err := NewClient(url, WithClientTLSConfig(noCertTLS), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)
	_, err = anon.Health(ctx)
	require.Error(t, err)

	// an open stream must not hold up shutdown
	stream, err := c.OpenStream(ctx, "echo")
	require.NoError(t, err)
	defer stream.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	require.NoError(t, <-runErr)

	for {
		if _, err := stream.Next(); err != nil {
			break
		}
	}
}

func TestNewServerRejectsBadOptions(t *testing.T) {
	gw := newGateway(t)

	_, err := NewServer(gw, WithAllowedIPs([]string{"not-an-ip"}))
	assert.Error(t, err)

	_, err = NewServer(gw, WithRateLimit(0, 10))
	assert.Error(t, err)

	_, err = NewServer(gw, WithRateLimit(0, 0))
	assert.NoError(t, err)
}
