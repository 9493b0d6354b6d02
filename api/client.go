package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/stdiogateway/gateway"
	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/hashicorp/go-retryablehttp"
	sse "github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client talks to a gateway Server. Control requests are retried on transport errors;
// streams are not.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	token                    string
	tlsClientConfig          *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	streamClient             *http.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("client").Sugar()
	}
}

func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsClientConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the gateway at baseURL, like "http://localhost:3001".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}

	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		baseURL:      strings.TrimSuffix(u.String(), "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: c.tlsClientConfig,
	}
	c.streamClient = &http.Client{Transport: transport}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.RetryMax = 5
	// Only transport failures are retried. The gateway's own error responses are final,
	// and retrying a 5xx from a command could deliver it twice.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "stdiogateway-client/1.0")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func serverPath(name, action string) string {
	return "/mcp/" + url.PathEscape(name) + "/" + action
}

// do sends a JSON request and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	statusErr := &StatusError{Code: resp.StatusCode}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		statusErr.Message = fmt.Errorf("error reading body: %w", err).Error()
		return statusErr
	}
	var body ErrorResponse
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		statusErr.Message = body.Error
		statusErr.Details = body.Details
	} else {
		statusErr.Message = strings.TrimSpace(string(b))
	}
	return statusErr
}

// Health is the body of GET /health.
type Health struct {
	Status         string   `json:"status"`
	Timestamp      string   `json:"timestamp"`
	RunningServers []string `json:"runningServers"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Servers lists the configured processes.
func (c *Client) Servers(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	var resp serversResponse
	if err := c.do(ctx, http.MethodGet, "/mcp/servers", nil, &resp); err != nil {
		return nil, err
	}
	infos := make([]supervisor.ProcessInfo, 0, len(resp.Servers))
	for _, s := range resp.Servers {
		infos = append(infos, supervisor.ProcessInfo{Name: s.Name, Running: s.Running})
	}
	return infos, nil
}

func (c *Client) Start(ctx context.Context, name string) (gateway.StartResult, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodPost, serverPath(name, "start"), nil, &resp); err != nil {
		return "", err
	}
	return gateway.StartResult(resp.Status), nil
}

func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "stop"), nil, nil)
}

// Send forwards command, which must be a JSON value, to the process's stdin.
func (c *Client) Send(ctx context.Context, name string, command json.RawMessage) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "command"), CommandRequest{Command: command}, nil)
}

// WaitForServer polls /health until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// Stream is an open SSE subscription.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

type streamEvent struct {
	msg Message
	err error
}

// OpenStream subscribes to the process's output over SSE, starting the process if needed.
// It returns once the gateway has accepted the subscription.
func (c *Client) OpenStream(ctx context.Context, name string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+serverPath(name, "sse"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.prepReq(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, readStatusError(resp)
	}

	s := &Stream{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan streamEvent),
		done:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

func (s *Stream) read() {
	defer close(s.events)
	for ev, err := range sse.Read(s.body, &sse.ReadConfig{MaxEventSize: maxBodyBytes}) {
		var se streamEvent
		if err != nil {
			se.err = err
		} else if err := json.Unmarshal([]byte(ev.Data), &se.msg); err != nil {
			se.err = fmt.Errorf("decoding event: %w", err)
		}
		select {
		case s.events <- se:
		case <-s.done:
			return
		}
		if se.err != nil {
			return
		}
	}
}

// Next blocks for the next message. It returns io.EOF when the gateway ends the stream.
func (s *Stream) Next() (Message, error) {
	select {
	case se, ok := <-s.events:
		if !ok {
			return Message{}, io.EOF
		}
		return se.msg, se.err
	case <-s.done:
		return Message{}, io.EOF
	}
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}

// WSStream is an open WebSocket session: output messages in, commands out.
type WSStream struct {
	conn *websocket.Conn
}

// OpenWS subscribes to the process's output over a WebSocket, starting the process if needed.
func (c *Client) OpenWS(ctx context.Context, name string) (*WSStream, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, c.baseURL+serverPath(name, "ws"), &websocket.DialOptions{
		HTTPClient: c.streamClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, readStatusError(resp)
		}
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(maxBodyBytes)
	return &WSStream{conn: conn}, nil
}

// Next blocks for the next message. It returns io.EOF when the gateway closes the session normally.
func (s *WSStream) Next(ctx context.Context) (Message, error) {
	var msg Message
	err := wsjson.Read(ctx, s.conn, &msg)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	return msg, nil
}

// Send forwards command to the process. Failures are reported asynchronously as error messages.
func (s *WSStream) Send(ctx context.Context, command json.RawMessage) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}
	return wsjson.Write(ctx, s.conn, CommandRequest{Command: command})
}

func (s *WSStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
