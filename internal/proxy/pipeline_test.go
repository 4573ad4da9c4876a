package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/breaker"
	"github.com/songzhibin97/waygate/internal/loadbalancer"
	"github.com/songzhibin97/waygate/internal/metrics"
	"github.com/songzhibin97/waygate/internal/router"
)

func newTestPipeline(breakers *breaker.Registry) *Pipeline {
	logger := zap.NewNop()
	if breakers == nil {
		breakers = breaker.NewRegistry(nil, logger)
	}
	return NewPipeline(
		breakers,
		loadbalancer.NewPicker(func(string) bool { return true }, logger),
		NewTransport(nil),
		metrics.NewCollector(),
		logger,
	)
}

func testRoute(prefix string, upstreams []string, maxRetries int) *router.Route {
	return &router.Route{
		PathPrefix:      prefix,
		Upstreams:       upstreams,
		HealthProbePath: "/health",
		RequestTimeout:  5 * time.Second,
		RetryEnabled:    maxRetries > 0,
		MaxRetries:      maxRetries,
		LBStrategy:      loadbalancer.StrategyRoundRobin,
	}
}

func TestPipeline_ForwardsAndRewrites(t *testing.T) {
	var seenPath, seenQuery, seenHost, seenXFF, seenRID string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenQuery = r.URL.RawQuery
		seenHost = r.Host
		seenXFF = r.Header.Get("X-Forwarded-For")
		seenRID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":42}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/api/products", []string{upstream.URL}, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/products/42?full=1", nil)
	req.RemoteAddr = "192.0.2.7:1111"
	req.Header.Set("X-Request-ID", "rid-9")
	rec := httptest.NewRecorder()

	p.Serve(rec, req, route)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"id":42}` {
		t.Errorf("body not relayed: %s", rec.Body.String())
	}
	if seenPath != "/42" {
		t.Errorf("expected rewritten path /42, got %q", seenPath)
	}
	if seenQuery != "full=1" {
		t.Errorf("query string must survive the rewrite, got %q", seenQuery)
	}
	if seenHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Errorf("Host must be the upstream authority, got %q", seenHost)
	}
	if seenXFF != "192.0.2.7" {
		t.Errorf("expected X-Forwarded-For with the peer address, got %q", seenXFF)
	}
	if seenRID != "rid-9" {
		t.Errorf("correlation id must reach the upstream, got %q", seenRID)
	}
}

func TestPipeline_ForwardsRequestBody(t *testing.T) {
	var seenBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/api", []string{upstream.URL}, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"qty":2}`))
	rec := httptest.NewRecorder()
	p.Serve(rec, req, route)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if seenBody != `{"qty":2}` {
		t.Errorf("body must be forwarded, got %q", seenBody)
	}
}

func TestPipeline_RetriesTransportErrorsExactly(t *testing.T) {
	p := newTestPipeline(nil)
	// Closed port: every attempt is refused.
	route := testRoute("/x", []string{"http://127.0.0.1:1"}, 2)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	p.Serve(rec, req, route)
	elapsed := time.Since(start)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 after exhausted retries, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Bad Gateway") || !strings.Contains(body, "timestamp") {
		t.Errorf("unexpected 502 body: %s", body)
	}
	// Two backoff waits: ~100ms and ~200ms, each within ±20%.
	if elapsed < 220*time.Millisecond {
		t.Errorf("expected backoff between attempts, finished in %v", elapsed)
	}
}

func TestPipeline_ServerErrorRetriedThenPassedThrough(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{upstream.URL}, 2)

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if got := calls.Load(); got != 3 {
		t.Errorf("expected max_retries+1 = 3 upstream calls, got %d", got)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("the final 5xx passes through, got %d", rec.Code)
	}
	if rec.Body.String() != "upstream exploded" {
		t.Errorf("5xx body must pass through verbatim, got %q", rec.Body.String())
	}
}

func TestPipeline_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{upstream.URL}, 3)

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if got := calls.Load(); got != 1 {
		t.Errorf("4xx responses are successes, expected 1 call, got %d", got)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("4xx must pass through, got %d", rec.Code)
	}
}

func TestPipeline_FailsOverToSecondUpstream(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	var goodCalls atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{bad.URL, good.URL}, 2)

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected failover to the healthy upstream, got %d", rec.Code)
	}
	if goodCalls.Load() == 0 {
		t.Error("the second upstream was never tried")
	}
}

func TestPipeline_OpenBreakerFailsFast(t *testing.T) {
	cfg := &breaker.Config{
		WindowDuration:    200 * time.Millisecond,
		WindowBuckets:     10,
		MinFires:          4,
		ErrorThresholdPct: 50,
		ResetTimeout:      time.Hour,
	}
	breakers := breaker.NewRegistry(cfg, zap.NewNop())

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	// Trip the breaker before any traffic flows.
	breakers.Sync([]string{upstream.URL})
	time.Sleep(25 * time.Millisecond)
	for i := 0; i < 4; i++ {
		breakers.RecordFailure(upstream.URL)
	}

	p := newTestPipeline(breakers)
	route := testRoute("/x", []string{upstream.URL}, 1)

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from an open breaker, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "circuit breaker open") {
		t.Errorf("expected circuit breaker message, got %s", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Error("an open breaker must suppress network calls entirely")
	}
}

func TestPipeline_DeadlineProduces504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{upstream.URL}, 0)
	route.RequestTimeout = 50 * time.Millisecond

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on deadline, got %d", rec.Code)
	}
}

func TestPipeline_RoundRobinAdvancesCursor(t *testing.T) {
	var aCalls, bCalls atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aCalls.Add(1)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bCalls.Add(1)
	}))
	defer b.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{a.URL, b.URL}, 0)

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)
	}

	if aCalls.Load() != 2 || bCalls.Load() != 2 {
		t.Errorf("expected strict alternation 2/2, got %d/%d", aCalls.Load(), bCalls.Load())
	}
}

func TestPipeline_PluginShortCircuitSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	p := newTestPipeline(nil)
	route := testRoute("/x", []string{upstream.URL}, 0)
	route.Chain = append(route.Chain, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})

	rec := httptest.NewRecorder()
	p.Serve(rec, httptest.NewRequest(http.MethodGet, "/x", nil), route)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected the plugin's short-circuit status, got %d", rec.Code)
	}
	if calls.Load() != 0 {
		t.Error("a short-circuiting plugin must prevent the upstream call")
	}
}
