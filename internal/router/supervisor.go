package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/breaker"
	"github.com/songzhibin97/waygate/internal/config"
	"github.com/songzhibin97/waygate/internal/health"
	"github.com/songzhibin97/waygate/internal/plugin"
)

// Supervisor owns the published routing table and drives everything a
// rebuild touches: plugin cache invalidation, chain compilation, breaker and
// health-monitor membership, and finally the atomic publish. Readers load
// the table through a single atomic pointer and never block a rebuild.
type Supervisor struct {
	logger   *zap.Logger
	plugins  *plugin.Registry
	breakers *breaker.Registry
	monitor  *health.Monitor

	// defaultTimeout fills routes that do not set request_timeout.
	defaultTimeout time.Duration

	mu      sync.Mutex // serializes rebuilds
	table   atomic.Pointer[Table]
	started atomic.Bool
}

// NewSupervisor wires the supervisor to its collaborators.
func NewSupervisor(plugins *plugin.Registry, breakers *breaker.Registry, monitor *health.Monitor, defaultTimeout time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:         logger,
		plugins:        plugins,
		breakers:       breakers,
		monitor:        monitor,
		defaultTimeout: defaultTimeout,
	}
}

// Table returns the currently published table, or ErrNotConfigured before
// the first successful publish.
func (s *Supervisor) Table() (*Table, error) {
	t := s.table.Load()
	if t == nil {
		return nil, ErrNotConfigured
	}
	return t, nil
}

// Started reports whether at least one rebuild attempt has completed,
// successfully or not. The startup probe keys off this.
func (s *Supervisor) Started() bool {
	return s.started.Load()
}

// Rebuild parses the route document and, if it yields a changed and valid
// route set, publishes a new table. On any failure the previously published
// table stays in effect and keeps serving traffic.
func (s *Supervisor) Rebuild(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.started.Store(true)

	specs, err := config.ParseDocument(data, s.logger)
	if err != nil {
		s.logger.Error("rebuild failed, keeping previous routing table", zap.Error(err))
		return err
	}

	if current := s.table.Load(); current != nil && specsEqual(current, specs) {
		// Publishing an identical model must not reset breakers or
		// restart health monitoring.
		s.logger.Info("route configuration unchanged, skipping publish",
			zap.Int("routes", len(specs)))
		return nil
	}

	s.plugins.Reset()

	routes := make([]*Route, 0, len(specs))
	for i := range specs {
		route, err := s.compile(&specs[i])
		if err != nil {
			s.logger.Error("rejecting route",
				zap.String("path_prefix", specs[i].PathPrefix), zap.Error(err))
			continue
		}
		routes = append(routes, route)
	}
	if len(routes) == 0 {
		err := fmt.Errorf("no routes survived compilation")
		s.logger.Error("rebuild failed, keeping previous routing table", zap.Error(err))
		return err
	}

	table := NewTable(routes)

	upstreams := table.Upstreams()
	origins := make([]string, 0, len(upstreams))
	for origin := range upstreams {
		origins = append(origins, origin)
	}
	s.breakers.Sync(origins)
	s.monitor.Sync(upstreams)

	s.table.Store(table)

	s.logger.Info("routing table published",
		zap.Int("routes", len(routes)),
		zap.Strings("prefixes", table.Prefixes()),
		zap.Int("upstreams", len(origins)))
	return nil
}

// compile turns a validated spec into a servable route with its plugin chain
// materialized.
func (s *Supervisor) compile(spec *config.RouteSpec) (*Route, error) {
	chain := make([]plugin.Middleware, 0, len(spec.Plugins))
	for i := range spec.Plugins {
		p := &spec.Plugins[i]
		if !p.IsEnabled() {
			continue
		}
		mw, err := s.plugins.Load(p.Name, p.Params)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mw)
	}

	timeout := spec.RequestTimeout.Std()
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	return &Route{
		PathPrefix:      spec.PathPrefix,
		Upstreams:       append([]string(nil), spec.Upstreams...),
		HealthProbePath: spec.HealthProbePath,
		RequestTimeout:  timeout,
		RetryEnabled:    spec.ShouldRetry(),
		MaxRetries:      spec.RetryBudget(),
		LBStrategy:      spec.LBStrategy,
		Chain:           chain,
		Spec:            *spec,
	}, nil
}

// specsEqual reports whether the new validated specs match the published
// table's specs exactly.
func specsEqual(current *Table, specs []config.RouteSpec) bool {
	routes := current.Routes()
	if len(routes) != len(specs) {
		return false
	}
	// Compare by path prefix; the table is sorted but the document order
	// is arbitrary.
	byPrefix := make(map[string]*config.RouteSpec, len(specs))
	for i := range specs {
		byPrefix[specs[i].PathPrefix] = &specs[i]
	}
	for _, r := range routes {
		spec, ok := byPrefix[r.PathPrefix]
		if !ok || !r.Spec.Equal(spec) {
			return false
		}
	}
	return true
}
