// Package plugin hosts the per-route middleware plugins. Shipped plugins are
// registered in a compile-time factory table; instances are cached per
// name-and-params so routes with the same plugin configuration share one
// instance within a rebuild. The router supervisor resets the cache before
// every rebuild, so instances are not carried over from one table to the next.
package plugin

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Middleware is the contract every plugin instance satisfies. Short-circuiting
// is writing the response without calling the next handler.
type Middleware func(http.Handler) http.Handler

// Factory builds a plugin instance from its route-level parameters.
type Factory func(params map[string]any, deps *Deps) (Middleware, error)

// Deps carries the shared collaborators plugin factories may use.
type Deps struct {
	Logger *zap.Logger

	// AuthClient is the HTTP client for auth-service traffic. It has its
	// own connection pool, separate from the proxy's upstream pool.
	AuthClient *http.Client
}

// Registry resolves plugin names to cached instances.
type Registry struct {
	deps      *Deps
	factories map[string]Factory

	mu    sync.RWMutex
	cache map[string]Middleware
}

// NewRegistry creates a registry with the shipped plugins registered.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
		cache:     make(map[string]Middleware),
	}
	r.factories["central-auth"] = NewAuthPlugin
	r.factories["jwt-auth"] = NewJWTPlugin
	r.factories["header-transform"] = NewHeaderTransformPlugin
	return r
}

// ValidateName rejects empty names and any name that could escape the plugin
// namespace. The check runs before any lookup.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid plugin name %q", name)
	}
	return nil
}

// Load returns the plugin instance for name and params, building it through
// the factory on a cache miss. A factory returning a nil middleware is a
// load error.
func (r *Registry) Load(name string, params map[string]any) (Middleware, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	key := cacheKey(name, params)

	r.mu.RLock()
	mw, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return mw, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}

	mw, err := factory(params, r.deps)
	if err != nil {
		return nil, fmt.Errorf("plugin %q failed to load: %w", name, err)
	}
	if mw == nil {
		return nil, fmt.Errorf("plugin %q factory returned no middleware", name)
	}

	r.mu.Lock()
	r.cache[key] = mw
	r.mu.Unlock()
	return mw, nil
}

// Reset invalidates every cached instance. The router supervisor calls this
// before each rebuild so configuration changes take effect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Middleware)
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// cacheKey fingerprints a plugin configuration. Params maps are small; a
// sorted textual rendering is stable enough to key the cache.
func cacheKey(name string, params map[string]any) string {
	if len(params) == 0 {
		return name
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, params[k])
	}
	return sb.String()
}
