package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requireAPIKey rejects mutating requests lacking the configured bearer
// token. Read-only routes stay open so players can fetch audio without
// credentials.
func (h *handler) requireAPIKey(next http.Handler) http.Handler {
	if h.opts.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiters tracks one token bucket per client address. Entries idle
// past the horizon are dropped on the next sweep.
type clientLimiters struct {
	mu      sync.Mutex
	perMin  int
	clients map[string]*clientLimiter
	swept   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(perMin int) *clientLimiters {
	return &clientLimiters{
		perMin:  perMin,
		clients: map[string]*clientLimiter{},
		swept:   time.Now(),
	}
}

func (c *clientLimiters) allow(client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.swept) > 10*time.Minute {
		for addr, cl := range c.clients {
			if now.Sub(cl.lastSeen) > 10*time.Minute {
				delete(c.clients, addr)
			}
		}
		c.swept = now
	}

	cl, ok := c.clients[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(float64(c.perMin)/60.0), c.perMin)}
		c.clients[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

func (h *handler) rateLimit(next http.Handler) http.Handler {
	if h.opts.rateLimitPerMin <= 0 {
		return next
	}
	limiters := newClientLimiters(h.opts.rateLimitPerMin)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !limiters.allow(client) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		h.log.InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
