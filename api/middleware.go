package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	e := asaman.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(asaman.HTTPStatus(e))
	json.NewEncoder(w).Encode(envelope{Success: false, Message: e.Message, Code: string(e.Kind)})
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	logger := logging.Get("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientIP(r),
		)
	})
}

// rateLimiter enforces a per-client request budget. Limiters are kept per
// IP and pruned when idle for ten windows.
type rateLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{max: max, window: window, clients: make(map[string]*client)}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			writeError(w, asaman.E(asaman.KindConflict, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.max)), rl.max)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()

	if len(rl.clients) > 1000 {
		cutoff := time.Now().Add(-10 * rl.window)
		for k, v := range rl.clients {
			if v.lastSeen.Before(cutoff) {
				delete(rl.clients, k)
			}
		}
	}
	return c.limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
