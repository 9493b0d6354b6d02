// Package api exposes a gateway.Gateway over HTTP: JSON control endpoints, output
// streams over Server-Sent Events and WebSockets, and a Client for all of them.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/stdiogateway/gateway"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxBodyBytes bounds command bodies and WebSocket messages.
const maxBodyBytes = 10 << 20

// Server is the HTTP front end of a gateway. Output streams are long-lived, so the server
// sets no write timeout; Shutdown ends them by canceling their request contexts.
type Server struct {
	log *zap.SugaredLogger
	gw  *gateway.Gateway

	listenAddr     string
	authToken      string
	allowedIPList  []string
	allowedOrigins []string
	rateWindow     time.Duration
	rateMax        int
	tlsConfig      *tls.Config

	allowedIPs ipAllowList
	limiter    *rateLimiter

	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("api").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithAuthToken requires "Authorization: Bearer <token>" on protected routes. An empty token disables the check.
func WithAuthToken(token string) Option {
	return func(s *Server) {
		s.authToken = token
	}
}

// WithAllowedIPs sets the addresses and CIDR prefixes admitted to protected routes.
func WithAllowedIPs(ips []string) Option {
	return func(s *Server) {
		s.allowedIPList = ips
	}
}

// WithAllowedOrigins sets the browser origins allowed by CORS. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit allows max requests per window from each client address. A max of 0 disables limiting.
func WithRateLimit(window time.Duration, max int) Option {
	return func(s *Server) {
		s.rateWindow = window
		s.rateMax = max
	}
}

// WithTLSConfig serves HTTPS using cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func NewServer(gw *gateway.Gateway, opts ...Option) (*Server, error) {
	s := &Server{
		log:           zap.NewNop().Sugar(),
		gw:            gw,
		listenAddr:    "0.0.0.0:3001",
		allowedIPList: []string{"127.0.0.1", "::1"},
		ready:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	allowed, err := parseIPAllowList(s.allowedIPList)
	if err != nil {
		return nil, fmt.Errorf("parsing allowed IPs: %w", err)
	}
	s.allowedIPs = allowed

	if s.rateMax > 0 {
		if s.rateWindow <= 0 {
			return nil, errors.New("rate limit window must be positive")
		}
		s.limiter = newRateLimiter(s.log, s.rateWindow, s.rateMax)
	}

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log.Desugar()),
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return s, nil
}

// Handler returns the routes wrapped in the security header and CORS middleware.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/health", s.health)
	router.GET("/mcp/:server/sse", s.protect(s.sse))
	router.GET("/mcp/:server/ws", s.protect(s.ws))
	router.POST("/mcp/:server/start", s.protect(s.start))
	router.POST("/mcp/:server/stop", s.protect(s.stop))
	router.POST("/mcp/:server/command", s.protect(s.command))

	// httprouter can't hold a static segment next to :server, so the listing is served by the mux
	mux := http.NewServeMux()
	mux.Handle("GET /mcp/servers", routerHandler(s.protect(s.servers)))
	mux.Handle("/", router)

	return s.secureHeaders(s.cors(mux))
}

func routerHandler(h httprouter.Handle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r, nil)
	})
}

// Run listens and serves until the server is stopped. It returns nil after Shutdown or Stop.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = l
	close(s.ready)
	s.mu.Unlock()

	s.log.Infow("listening", "Addr", l.Addr().String(), "TLS", s.tlsConfig != nil)
	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr waits until Run is listening and returns the bound address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ready:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr(), nil
}

// Shutdown ends open streams, then waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	s.cancelBase()
	return s.httpServer.Close()
}

type healthResponse struct {
	Status         string   `json:"status"`
	Timestamp      string   `json:"timestamp"`
	RunningServers []string `json:"runningServers"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	running := s.gw.Running()
	if running == nil {
		running = []string{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		Timestamp:      timestamp(time.Now()),
		RunningServers: running,
	})
}

type serverInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type serversResponse struct {
	Servers   []serverInfo `json:"servers"`
	Timestamp string       `json:"timestamp"`
}

func (s *Server) servers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	known := s.gw.ListKnownProcesses()
	resp := serversResponse{Servers: make([]serverInfo, 0, len(known)), Timestamp: timestamp(time.Now())}
	for _, p := range known {
		resp.Servers = append(resp.Servers, serverInfo{Name: p.Name, Running: p.Running})
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusResponse is the body of successful start, stop and command requests.
type StatusResponse struct {
	Status    string `json:"status"`
	Server    string `json:"server,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("server")
	res, err := s.gw.EnsureStarted(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(res), Server: name, Timestamp: timestamp(time.Now())})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("server")
	if err := s.gw.Stop(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "stopped", Server: name, Timestamp: timestamp(time.Now())})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("server")

	var req CommandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid command", Details: err.Error()})
		return
	}

	if err := s.gw.Send(r.Context(), name, payload); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "sent", Server: name, Timestamp: timestamp(time.Now())})
}
