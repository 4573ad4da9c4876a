package plugin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// authService spins up a fake auth service and returns its URL plus the last
// verify request it saw.
func authService(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var lastReq http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastReq
}

func loadAuth(t *testing.T, serviceURL string) Middleware {
	t.Helper()
	mw, err := NewAuthPlugin(map[string]any{"auth_service_url": serviceURL}, testDeps())
	if err != nil {
		t.Fatalf("failed to build auth plugin: %v", err)
	}
	return mw
}

func TestAuthPlugin_FactoryValidation(t *testing.T) {
	if _, err := NewAuthPlugin(map[string]any{}, testDeps()); err == nil {
		t.Error("missing auth_service_url must be a load error")
	}
	if _, err := NewAuthPlugin(map[string]any{"auth_service_url": "not-a-url"}, testDeps()); err == nil {
		t.Error("non-absolute auth_service_url must be a load error")
	}
	if _, err := NewAuthPlugin(map[string]any{"auth_service_url": "http://auth/"}, testDeps()); err != nil {
		t.Errorf("trailing slash should be accepted and trimmed: %v", err)
	}
}

func TestAuthPlugin_MissingAuthorizationHeader(t *testing.T) {
	mw := loadAuth(t, "http://auth.invalid")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("pipeline must not continue without Authorization")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body authError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if body.Status != "fail" || body.Error != "UNAUTHORIZED" {
		t.Errorf("unexpected error body: %+v", body)
	}
	if len(body.ErrorDetails) != 1 || body.ErrorDetails[0].Message != "Authorization header is required" {
		t.Errorf("unexpected error details: %+v", body.ErrorDetails)
	}
}

func TestAuthPlugin_VerifiedRequestContinues(t *testing.T) {
	srv, seen := authService(t, http.StatusOK,
		`{"data":{"verifyStatus":true,"userId":4408505240}}`)
	mw := loadAuth(t, srv.URL)

	var forwarded *http.Request
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/orders/7?x=1", nil)
	req.Header.Set("Authorization", "Bearer T")
	req.Header.Set("Accept-Language", "vi-VN")
	req.Header.Set("Device-Id", "d-1")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if forwarded == nil {
		t.Fatal("request never reached the next handler")
	}
	if got := forwarded.Header.Get("X-User-Id"); got != "4408505240" {
		t.Errorf("expected numeric user id stringified, got %q", got)
	}
	if forwarded.Header.Get("Authorization") != "" {
		t.Error("Authorization must be deleted after verification")
	}

	// Verify the outbound contract toward the auth service.
	if seen.URL.Path != "/api/v1/authz/verify" {
		t.Errorf("unexpected verify path %q", seen.URL.Path)
	}
	if seen.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", seen.Method)
	}
	if seen.Header.Get("Authorization") != "Bearer T" {
		t.Error("Authorization must be copied to the verify request")
	}
	if seen.Header.Get("X-Original-Method") != http.MethodPost {
		t.Errorf("unexpected X-Original-Method %q", seen.Header.Get("X-Original-Method"))
	}
	if !strings.Contains(seen.Header.Get("X-Original-URI"), "/api/orders/7?x=1") {
		t.Errorf("unexpected X-Original-URI %q", seen.Header.Get("X-Original-URI"))
	}
	if seen.Header.Get("Accept-Language") != "vi-VN" || seen.Header.Get("Device-Id") != "d-1" {
		t.Error("allowlisted headers must be forwarded to the auth service")
	}
}

func TestAuthPlugin_StringUserID(t *testing.T) {
	srv, _ := authService(t, http.StatusOK,
		`{"data":{"verifyStatus":true,"userId":"u-42"}}`)
	mw := loadAuth(t, srv.URL)

	var forwarded *http.Request
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if forwarded == nil || forwarded.Header.Get("X-User-Id") != "u-42" {
		t.Error("string user ids must be forwarded as-is")
	}
}

func TestAuthPlugin_VerifyStatusFalseIsDenied(t *testing.T) {
	srv, _ := authService(t, http.StatusOK,
		`{"status":"fail","error":"TOKEN_EXPIRED","errorDetails":[{"message":"hết hạn"}]}`)
	mw := loadAuth(t, srv.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("denied request must not continue")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("a 2xx without verifyStatus=true maps to 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hết hạn") {
		t.Error("the auth service body must pass through verbatim")
	}
}

func TestAuthPlugin_4xxPassesThroughWithStatus(t *testing.T) {
	srv, _ := authService(t, http.StatusForbidden,
		`{"status":"fail","error":"FORBIDDEN","errorDetails":[{"message":"no"}]}`)
	mw := loadAuth(t, srv.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("denied request must not continue")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("4xx statuses pass through unchanged, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "FORBIDDEN") {
		t.Error("the auth service body must pass through verbatim")
	}
}

func TestAuthPlugin_5xxIsServiceUnavailable(t *testing.T) {
	srv, _ := authService(t, http.StatusBadGateway, `oops`)
	mw := loadAuth(t, srv.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("request must not continue when the auth service is broken")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_SERVICE_UNAVAILABLE") {
		t.Errorf("expected AUTH_SERVICE_UNAVAILABLE body, got %s", rec.Body.String())
	}
}

func TestAuthPlugin_TransportFailure(t *testing.T) {
	// Closed port: connection refused.
	mw := loadAuth(t, "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("request must not continue when the auth service is unreachable")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_SERVICE_UNAVAILABLE") {
		t.Errorf("expected AUTH_SERVICE_UNAVAILABLE body, got %s", rec.Body.String())
	}
}

func TestAuthPlugin_DisabledPassesThrough(t *testing.T) {
	mw, err := NewAuthPlugin(map[string]any{
		"auth_service_url": "http://auth.invalid",
		"enabled":          false,
	}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := false
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if !called {
		t.Error("disabled plugin must pass requests through untouched")
	}
}
