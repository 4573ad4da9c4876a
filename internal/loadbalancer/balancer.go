// Package loadbalancer implements upstream selection over a route's candidate
// list. Strategies are pure functions of the candidate list, the route's
// cursor and (for health-aware selection) the monitor's snapshot. The
// selection position lives in the routing table's cursor; the Picker itself
// only remembers, per route, whether it is failing over, so the failover
// warning is logged once per transition.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Strategy names. These match the values accepted in the route document.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyRandom      = "random"
	StrategyHealthAware = "health_aware"
)

// ErrNoCandidates is returned when selection is attempted over an empty
// candidate list.
var ErrNoCandidates = errors.New("no upstream candidates available")

// HealthFunc reports whether an upstream is currently considered healthy.
type HealthFunc func(upstream string) bool

// Picker applies a route's strategy to its candidate list.
type Picker struct {
	logger  *zap.Logger
	healthy HealthFunc

	mu         sync.Mutex
	inFailover map[string]bool // route key -> currently failing over
}

// NewPicker creates a picker using the given health snapshot function.
func NewPicker(healthy HealthFunc, logger *zap.Logger) *Picker {
	return &Picker{
		logger:     logger,
		healthy:    healthy,
		inFailover: make(map[string]bool),
	}
}

// Select picks one upstream from candidates using the route's strategy.
// routeKey identifies the route for the once-per-transition failover warning;
// cursor is the route's selection counter, advanced atomically.
func (p *Picker) Select(strategy, routeKey string, candidates []string, cursor *atomic.Uint64) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}

	switch strategy {
	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil
	case StrategyRoundRobin:
		return roundRobin(candidates, cursor), nil
	default:
		return p.healthAware(routeKey, candidates, cursor), nil
	}
}

// roundRobin returns candidates[cursor mod n] and advances the cursor.
func roundRobin(candidates []string, cursor *atomic.Uint64) string {
	n := cursor.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// healthAware round-robins among the healthy sublist and falls back to the
// full candidate list when nothing is healthy. The fallback is logged once
// per transition into failover, not on every request.
func (p *Picker) healthAware(routeKey string, candidates []string, cursor *atomic.Uint64) string {
	healthy := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if p.healthy(c) {
			healthy = append(healthy, c)
		}
	}

	failover := len(healthy) == 0
	p.noteFailover(routeKey, failover, len(candidates))
	if failover {
		return roundRobin(candidates, cursor)
	}
	return roundRobin(healthy, cursor)
}

// noteFailover records the route's failover state and warns on the
// transition into it.
func (p *Picker) noteFailover(routeKey string, failover bool, total int) {
	p.mu.Lock()
	was := p.inFailover[routeKey]
	p.inFailover[routeKey] = failover
	p.mu.Unlock()

	if failover && !was {
		p.logger.Warn("no healthy upstreams, failing over to full candidate set",
			zap.String("route", routeKey),
			zap.Int("candidates", total))
	}
}
