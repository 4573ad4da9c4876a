package plugin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func testDeps() *Deps {
	return &Deps{Logger: zap.NewNop()}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"central-auth", false},
		{"jwt-auth", false},
		{"", true},
		{"   ", true},
		{"../etc/passwd", true},
		{"a/b", true},
		{`a\b`, true},
		{"..", true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q): expected error=%v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestRegistry_UnknownPlugin(t *testing.T) {
	r := NewRegistry(testDeps())
	if _, err := r.Load("no-such-plugin", nil); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}

func TestRegistry_TraversalNamesNeverResolve(t *testing.T) {
	r := NewRegistry(testDeps())
	for _, name := range []string{"../central-auth", "plugins/central-auth", `..\x`} {
		if _, err := r.Load(name, nil); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestRegistry_CachesInstances(t *testing.T) {
	r := NewRegistry(testDeps())

	builds := 0
	r.factories["counting"] = func(map[string]any, *Deps) (Middleware, error) {
		builds++
		return func(next http.Handler) http.Handler { return next }, nil
	}

	params := map[string]any{"x": "y"}
	for i := 0; i < 3; i++ {
		if _, err := r.Load("counting", params); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if builds != 1 {
		t.Errorf("expected one factory invocation for repeated loads, got %d", builds)
	}

	r.Reset()
	if _, err := r.Load("counting", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds != 2 {
		t.Errorf("expected a rebuild after Reset, got %d builds", builds)
	}
}

func TestRegistry_ResetClearsCache(t *testing.T) {
	r := NewRegistry(testDeps())
	params := map[string]any{"remove": []any{"X-Debug"}}

	if _, err := r.Load("header-transform", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Reset()

	r.mu.RLock()
	size := len(r.cache)
	r.mu.RUnlock()
	if size != 0 {
		t.Errorf("expected empty cache after reset, got %d entries", size)
	}
}

func TestRegistry_FactoryErrorSurfaces(t *testing.T) {
	r := NewRegistry(testDeps())
	// central-auth without its required URL parameter must fail to load.
	if _, err := r.Load("central-auth", nil); err == nil {
		t.Fatal("expected load error for missing auth_service_url")
	}
}

func TestRegistry_NilMiddlewareIsALoadError(t *testing.T) {
	r := NewRegistry(testDeps())
	r.factories["broken"] = func(map[string]any, *Deps) (Middleware, error) {
		return nil, nil
	}
	if _, err := r.Load("broken", nil); err == nil {
		t.Fatal("a factory returning nil middleware must be a load error")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(testDeps())
	names := r.Names()
	want := map[string]bool{"central-auth": true, "jwt-auth": true, "header-transform": true}
	if len(names) != len(want) {
		t.Fatalf("expected %d shipped plugins, got %v", len(want), names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected plugin %q", n)
		}
	}
}

func TestHeaderTransform_AppliesRules(t *testing.T) {
	mw, err := NewHeaderTransformPlugin(map[string]any{
		"set":    map[string]any{"X-Env": "prod"},
		"remove": []any{"X-Debug"},
	}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var seen http.Header
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header
	}))

	req, _ := http.NewRequest(http.MethodGet, "http://gw/x", nil)
	req.Header.Set("X-Debug", "1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen.Get("X-Env") != "prod" {
		t.Errorf("expected X-Env to be set, got %q", seen.Get("X-Env"))
	}
	if seen.Get("X-Debug") != "" {
		t.Error("expected X-Debug to be removed")
	}
}
