// Package health implements the active upstream health monitor. Each
// monitored upstream gets its own probe loop issuing periodic GET requests;
// healthy/unhealthy transitions are debounced by consecutive-result
// thresholds.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config represents health monitor configuration.
type Config struct {
	// Interval between probes of one upstream.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe request.
	Timeout time.Duration `yaml:"timeout"`

	// UnhealthyThreshold is the number of consecutive probe failures before
	// an upstream is marked unhealthy.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	// HealthyThreshold is the number of consecutive probe successes before
	// an unhealthy upstream is marked healthy again.
	HealthyThreshold int `yaml:"healthy_threshold"`
}

// DefaultConfig returns the default health monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

// Status is a point-in-time snapshot of one upstream's health.
type Status struct {
	Upstream             string    `json:"upstream"`
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheckAt          time.Time `json:"last_check_at"`
}

// ChangeFunc observes healthy/unhealthy transitions.
type ChangeFunc func(upstream string, healthy bool)

// upstreamState is owned by its probe goroutine; readers get copies through
// the monitor's snapshot methods.
type upstreamState struct {
	probePath string
	cancel    context.CancelFunc

	mu                   sync.Mutex
	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
	lastCheckAt          time.Time
}

// Monitor runs one probe loop per monitored upstream.
type Monitor struct {
	cfg    *Config
	logger *zap.Logger
	client *http.Client

	mu        sync.RWMutex
	upstreams map[string]*upstreamState
	onChange  []ChangeFunc
	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	stopped   bool
}

// NewMonitor creates a monitor with no upstreams registered.
func NewMonitor(cfg *Config, logger *zap.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Probes must observe the upstream itself, not a redirect target.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstreams: make(map[string]*upstreamState),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// OnChange registers a transition observer.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Sync reconciles the monitored set with the routing table's upstream set.
// New upstreams start optimistically healthy with a fresh probe loop; removed
// upstreams are stopped and forgotten. Starting an already-monitored upstream
// is a no-op, so unchanged upstreams keep their debounce counters across
// rebuilds.
func (m *Monitor) Sync(probePaths map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	for origin, state := range m.upstreams {
		if _, ok := probePaths[origin]; !ok {
			state.cancel()
			delete(m.upstreams, origin)
			m.logger.Info("health monitoring stopped", zap.String("upstream", origin))
		}
	}

	for origin, probePath := range probePaths {
		if _, ok := m.upstreams[origin]; ok {
			continue
		}
		probeCtx, cancel := context.WithCancel(m.ctx)
		state := &upstreamState{
			probePath: probePath,
			cancel:    cancel,
			healthy:   true, // optimistic until probes say otherwise
		}
		m.upstreams[origin] = state
		m.wg.Add(1)
		go m.probeLoop(probeCtx, origin, state)
	}
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelAll()
	m.upstreams = make(map[string]*upstreamState)
	m.mu.Unlock()

	m.wg.Wait()
}

// Healthy reports the upstream's current health. Unmonitored upstreams are
// treated as healthy so a table can reference an upstream before its first
// probe completes.
func (m *Monitor) Healthy(upstream string) bool {
	m.mu.RLock()
	state, ok := m.upstreams[upstream]
	m.mu.RUnlock()
	if !ok {
		return true
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.healthy
}

// Snapshot returns the status of every monitored upstream.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.upstreams))
	for origin, state := range m.upstreams {
		state.mu.Lock()
		out = append(out, Status{
			Upstream:             origin,
			Healthy:              state.healthy,
			ConsecutiveFailures:  state.consecutiveFailures,
			ConsecutiveSuccesses: state.consecutiveSuccesses,
			LastCheckAt:          state.lastCheckAt,
		})
		state.mu.Unlock()
	}
	return out
}

// AnyMonitored reports whether at least one upstream is being monitored.
func (m *Monitor) AnyMonitored() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.upstreams) > 0
}

// AnyHealthy reports whether at least one monitored upstream is healthy.
func (m *Monitor) AnyHealthy() bool {
	for _, s := range m.Snapshot() {
		if s.Healthy {
			return true
		}
	}
	return false
}

// probeLoop probes one upstream until its context is cancelled. The first
// probe fires immediately so a dead upstream is noticed within the debounce
// threshold rather than after interval*threshold.
func (m *Monitor) probeLoop(ctx context.Context, origin string, state *upstreamState) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx, origin, state)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, origin, state)
		}
	}
}

// probe issues one GET to the upstream's probe path and applies the debounce
// rules. Any 2xx-4xx response counts as alive; a 5xx or transport error
// counts as a failure.
func (m *Monitor) probe(ctx context.Context, origin string, state *upstreamState) {
	url := origin + state.probePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.observe(origin, state, false, fmt.Errorf("building probe request: %w", err))
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.observe(origin, state, false, err)
		return
	}
	defer resp.Body.Close()

	m.observe(origin, state, resp.StatusCode < http.StatusInternalServerError, nil)
}

// observe folds one probe result into the upstream's debounced state.
func (m *Monitor) observe(origin string, state *upstreamState, success bool, cause error) {
	state.mu.Lock()
	state.lastCheckAt = time.Now()

	var transitioned bool
	var nowHealthy bool
	if success {
		state.consecutiveSuccesses++
		state.consecutiveFailures = 0
		if !state.healthy && state.consecutiveSuccesses >= m.cfg.HealthyThreshold {
			state.healthy = true
			transitioned = true
			nowHealthy = true
		}
	} else {
		state.consecutiveFailures++
		state.consecutiveSuccesses = 0
		if state.healthy && state.consecutiveFailures >= m.cfg.UnhealthyThreshold {
			state.healthy = false
			transitioned = true
			nowHealthy = false
		}
	}
	state.mu.Unlock()

	if !success && cause != nil {
		m.logger.Debug("health probe failed",
			zap.String("upstream", origin), zap.Error(cause))
	}

	if transitioned {
		if nowHealthy {
			m.logger.Info("upstream recovered", zap.String("upstream", origin))
		} else {
			m.logger.Warn("upstream unhealthy", zap.String("upstream", origin))
		}
		m.mu.RLock()
		callbacks := append([]ChangeFunc(nil), m.onChange...)
		m.mu.RUnlock()
		for _, fn := range callbacks {
			fn(origin, nowHealthy)
		}
	}
}
