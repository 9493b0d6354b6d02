package api

import (
	"crypto/subtle"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// protect wraps h with the IP allow list, the per-client rate limit and bearer token auth, in that order.
func (s *Server) protect(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		addr, ok := clientAddr(r)
		if !ok || !s.allowedIPs.allows(addr) {
			s.log.Infow("access denied", "RemoteAddr", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error:   "access denied",
				Details: "your IP address is not authorized to access this server",
			})
			return
		}
		if s.limiter != nil {
			if ok, retry := s.limiter.allow(addr, time.Now()); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:      "too many requests from this IP, please try again later",
					RetryAfter: retry,
				})
				return
			}
		}
		if s.authToken != "" {
			token, ok := bearerToken(r)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error:   "access token required",
					Details: "provide a token in the Authorization header",
				})
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
				s.log.Infow("invalid token", "RemoteAddr", r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
				return
			}
		}
		h(w, r, p)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	return fields[1], true
}

// clientAddr is the request's peer address, with IPv4-mapped IPv6 addresses unmapped.
func clientAddr(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ipAllowList holds addresses and CIDR prefixes. An empty list or an entry of 0.0.0.0 admits everyone.
type ipAllowList struct {
	any      bool
	prefixes []netip.Prefix
}

func parseIPAllowList(entries []string) (ipAllowList, error) {
	var l ipAllowList
	if len(entries) == 0 {
		l.any = true
		return l, nil
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if e == "0.0.0.0" || e == "*" {
			l.any = true
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return l, err
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return l, err
		}
		a = a.Unmap()
		l.prefixes = append(l.prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return l, nil
}

func (l ipAllowList) allows(a netip.Addr) bool {
	if l.any {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// rateLimiter gives each client address a token bucket holding max requests that refills over window.
type rateLimiter struct {
	log    *zap.SugaredLogger
	limit  rate.Limit
	burst  int
	window time.Duration

	mu        sync.Mutex
	clients   map[netip.Addr]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(log *zap.SugaredLogger, window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		log:       log,
		limit:     rate.Every(window / time.Duration(max)),
		burst:     max,
		window:    window,
		clients:   map[netip.Addr]*clientLimiter{},
		lastSweep: time.Now(),
	}
}

// allow reports whether addr may make a request now, and if not, how many seconds it should wait.
func (l *rateLimiter) allow(addr netip.Addr, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.window {
		l.sweepLocked(now)
	}

	c, ok := l.clients[addr]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	if c.lim.AllowN(now, 1) {
		return true, 0
	}
	l.log.Debugw("rate limited", "Addr", addr)
	r := c.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, int(math.Ceil(wait.Seconds()))
}

// sweepLocked forgets clients idle for a full window, whose buckets are full again anyway.
func (l *rateLimiter) sweepLocked(now time.Time) {
	for addr, c := range l.clients {
		if now.Sub(c.lastSeen) > l.window {
			delete(l.clients, addr)
		}
	}
	l.lastSweep = now
}

// cors rejects requests from origins not on the list and hands the rest to rs/cors,
// which answers preflight requests and sets the response headers. Requests without an
// Origin header, like curl's, pass through.
func (s *Server) cors(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Cache-Control"},
	})
	h := c.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !s.originAllowed(origin) {
			s.log.Infow("origin not allowed", "Origin", origin, "RemoteAddr", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "origin not allowed"})
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// secureHeaders sets the usual hardening headers: HSTS on TLS connections, a same-origin
// content security policy, nosniff and frame denial.
func (s *Server) secureHeaders(next http.Handler) http.Handler {
	return secure.New(secure.Options{
		STSSeconds:            15552000,
		STSIncludeSubdomains:  true,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "no-referrer",
	}).Handler(next)
}
