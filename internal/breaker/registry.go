package breaker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry owns one breaker per monitored upstream. The router supervisor
// drives membership on every rebuild: upstreams that disappear from the table
// lose their breaker, and reappearing ones start fresh in the closed state.
type Registry struct {
	cfg    *Config
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange []StateChangeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *Config, logger *zap.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// OnStateChange registers an observer applied to every current and future
// breaker. Wiring happens once at startup, before the first rebuild.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

// Sync reconciles the breaker set with the given upstream list. New upstreams
// get a fresh closed breaker; removed ones are discarded.
func (r *Registry) Sync(upstreams []string) {
	want := make(map[string]struct{}, len(upstreams))
	for _, u := range upstreams {
		want[u] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.breakers {
		if _, ok := want[name]; !ok {
			delete(r.breakers, name)
			r.logger.Debug("circuit breaker removed", zap.String("upstream", name))
		}
	}
	for name := range want {
		if _, ok := r.breakers[name]; !ok {
			b := New(name, r.cfg)
			for _, fn := range r.onChange {
				b.OnStateChange(fn)
			}
			r.breakers[name] = b
		}
	}
}

// get returns the breaker for an upstream, creating one on demand for
// upstreams the supervisor has not synced yet.
func (r *Registry) get(upstream string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstream]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[upstream]; ok {
		return b
	}
	b = New(upstream, r.cfg)
	for _, fn := range r.onChange {
		b.OnStateChange(fn)
	}
	r.breakers[upstream] = b
	return b
}

// Execute runs fn under the upstream's breaker.
func (r *Registry) Execute(ctx context.Context, upstream string, fn func(context.Context) error) error {
	return r.get(upstream).Execute(ctx, fn)
}

// IsOpen reports whether the upstream's breaker rejects calls outright.
func (r *Registry) IsOpen(upstream string) bool {
	return r.get(upstream).IsOpen()
}

// RecordSuccess signals a success observed outside Execute.
func (r *Registry) RecordSuccess(upstream string) {
	r.get(upstream).RecordSuccess()
}

// RecordFailure signals a failure observed outside Execute.
func (r *Registry) RecordFailure(upstream string) {
	r.get(upstream).RecordFailure()
}

// States returns a snapshot of every breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// AnyOpen reports whether any breaker is currently open.
func (r *Registry) AnyOpen() bool {
	for _, s := range r.States() {
		if s == StateOpen {
			return true
		}
	}
	return false
}
