package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// maxKeyHeaderLength bounds header-derived limiter keys. Longer values are
// rejected and the peer address used instead.
const maxKeyHeaderLength = 128

// skipPaths are exempt from rate limiting unconditionally so probes and
// scrapers never get throttled.
var skipPaths = map[string]struct{}{
	"/health":   {},
	"/metrics":  {},
	"/livez":    {},
	"/readyz":   {},
	"/startupz": {},
}

// MiddlewareConfig wires the limiter middleware.
type MiddlewareConfig struct {
	// TrustProxy enables X-Forwarded-For parsing for key derivation.
	TrustProxy bool

	// StrictPaths lists path prefixes limited by the strict profile
	// instead of the default one.
	StrictPaths []string
}

// Middleware applies per-client fixed-window rate limiting in the global
// middleware chain.
type Middleware struct {
	cfg     *MiddlewareConfig
	limiter *Limiter
	strict  *Limiter
	logger  *zap.Logger
}

// NewMiddleware creates the rate limiting middleware with a default and a
// strict limiter profile sharing one storage backend.
func NewMiddleware(cfg *MiddlewareConfig, limiter, strict *Limiter, logger *zap.Logger) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}
	return &Middleware{cfg: cfg, limiter: limiter, strict: strict, logger: logger}
}

// Handler returns the HTTP middleware.
func (m *Middleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			limiter := m.limiterFor(r.URL.Path)
			key := ClientKey(r, m.cfg.TrustProxy)
			result := limiter.Allow(r.Context(), key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				m.reject(w, r, result, key)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) limiterFor(path string) *Limiter {
	for _, prefix := range m.cfg.StrictPaths {
		if strings.HasPrefix(path, prefix) {
			return m.strict
		}
	}
	return m.limiter
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, result Result, key string) {
	retryAfter := int(result.RetryAfter.Seconds())

	m.logger.Warn("rate limit exceeded",
		zap.String("key", key),
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method))

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]any{
		"error":      "Too Many Requests",
		"message":    "Rate limit exceeded. Please try again later.",
		"retryAfter": retryAfter,
	})
}

// ClientKey derives the limiter key from the request: the first entry of a
// trusted X-Forwarded-For list when proxy headers are trusted, else the
// socket peer address. Oversized header values fall back to the peer address.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" && len(xff) <= maxKeyHeaderLength {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
