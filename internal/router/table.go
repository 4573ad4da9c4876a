// Package router holds the routing table and the supervisor that rebuilds
// and atomically publishes it. A published table is immutable: request
// handlers keep using the table they matched against even while a rebuild
// publishes a successor.
package router

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/waygate/internal/config"
	"github.com/songzhibin97/waygate/internal/plugin"
)

// ErrNoRoute means no route's prefix matches the request path.
var ErrNoRoute = errors.New("no route matches the request path")

// ErrNotConfigured means no routing table has been published yet.
var ErrNotConfigured = errors.New("no routing table published")

// Route is one compiled entry of the routing table. All fields are fixed at
// build time except the cursor, which request handlers advance atomically.
type Route struct {
	PathPrefix      string
	Upstreams       []string
	HealthProbePath string
	RequestTimeout  time.Duration
	RetryEnabled    bool
	MaxRetries      int
	LBStrategy      string

	// Chain holds the route's enabled plugins in document order.
	Chain []plugin.Middleware

	// Spec is the validated document entry the route was built from, kept
	// for the supervisor's unchanged-table check.
	Spec config.RouteSpec

	cursor atomic.Uint64
}

// Cursor returns the route's load-balancer cursor.
func (r *Route) Cursor() *atomic.Uint64 {
	return &r.cursor
}

// Table is an immutable snapshot of the routing configuration. Routes are
// ordered longest prefix first so Match returns the most specific route.
type Table struct {
	routes []*Route
}

// NewTable builds a table from compiled routes.
func NewTable(routes []*Route) *Table {
	sorted := make([]*Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	return &Table{routes: sorted}
}

// Match returns the route with the longest prefix matching path. Prefixes
// match on path-segment boundaries: "/api" matches "/api" and "/api/x" but
// not "/apix".
func (t *Table) Match(path string) (*Route, error) {
	for _, r := range t.routes {
		if matchPrefix(path, r.PathPrefix) {
			return r, nil
		}
	}
	return nil, ErrNoRoute
}

// Routes returns the table's routes in match order.
func (t *Table) Routes() []*Route {
	return t.routes
}

// Prefixes returns every route's path prefix in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.PathPrefix
	}
	return out
}

// Upstreams returns the distinct upstream origins of the table mapped to
// their health probe paths. When routes disagree about an upstream's probe
// path, the first route in match order wins.
func (t *Table) Upstreams() map[string]string {
	out := make(map[string]string)
	for _, r := range t.routes {
		for _, u := range r.Upstreams {
			if _, ok := out[u]; !ok {
				out[u] = r.HealthProbePath
			}
		}
	}
	return out
}

func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
