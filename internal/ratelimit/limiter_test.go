package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLimiter_AllowsUpToMax(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	limiter := NewLimiter(&Config{Window: time.Minute, MaxRequests: 3}, storage, "default")

	for i := 0; i < 3; i++ {
		result := limiter.Allow(context.Background(), "client-1")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	result := limiter.Allow(context.Background(), "client-1")
	if result.Allowed {
		t.Fatal("request over the limit should be rejected")
	}
	if result.RetryAfter <= 0 {
		t.Error("rejected result should carry a retry-after hint")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	limiter := NewLimiter(&Config{Window: time.Minute, MaxRequests: 1}, storage, "default")

	if !limiter.Allow(context.Background(), "a").Allowed {
		t.Fatal("first request for key a should pass")
	}
	if !limiter.Allow(context.Background(), "b").Allowed {
		t.Fatal("key b must not be affected by key a's counter")
	}
	if limiter.Allow(context.Background(), "a").Allowed {
		t.Fatal("key a should now be limited")
	}
}

func TestLimiter_WindowRolls(t *testing.T) {
	storage := NewMemoryStorage()
	defer storage.Close()
	limiter := NewLimiter(&Config{Window: 50 * time.Millisecond, MaxRequests: 1}, storage, "default")

	if !limiter.Allow(context.Background(), "k").Allowed {
		t.Fatal("first request should pass")
	}
	if limiter.Allow(context.Background(), "k").Allowed {
		t.Fatal("second request in the window should be limited")
	}

	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow(context.Background(), "k").Allowed {
		t.Fatal("a new window should admit requests again")
	}
}

func newTestMiddleware(max int, trustProxy bool) (*Middleware, *MemoryStorage) {
	storage := NewMemoryStorage()
	limiter := NewLimiter(&Config{Window: time.Minute, MaxRequests: max}, storage, "default")
	strict := NewLimiter(StrictConfig(), storage, "strict")
	return NewMiddleware(&MiddlewareConfig{TrustProxy: trustProxy}, limiter, strict, zap.NewNop()), storage
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	mw, storage := newTestMiddleware(1, false)
	defer storage.Close()

	handler := mw.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
	body := second.Body.String()
	for _, field := range []string{`"error"`, `"message"`, `"retryAfter"`} {
		if !strings.Contains(body, field) {
			t.Errorf("429 body missing %s: %s", field, body)
		}
	}
}

func TestMiddleware_SkipsObservabilityPaths(t *testing.T) {
	mw, storage := newTestMiddleware(1, false)
	defer storage.Close()

	handler := mw.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/metrics", "/livez", "/readyz", "/startupz"} {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "10.0.0.1:1234"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s should never be rate limited, got %d", path, rec.Code)
			}
		}
	}
}

func TestClientKey_Derivation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.1")

	if got := ClientKey(req, false); got != "192.0.2.7" {
		t.Errorf("without trust-proxy the peer address wins, got %q", got)
	}
	if got := ClientKey(req, true); got != "203.0.113.9" {
		t.Errorf("with trust-proxy the first forwarded entry wins, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", strings.Repeat("1", 200))
	if got := ClientKey(req, true); got != "192.0.2.7" {
		t.Errorf("oversized header must fall back to the peer address, got %q", got)
	}
}
