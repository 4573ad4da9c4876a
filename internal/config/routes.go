package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Load-balancing strategy names accepted in the route document.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyRandom      = "random"
	StrategyHealthAware = "health_aware"
)

// Document is the top-level structure of the route configuration file.
type Document struct {
	Version string      `yaml:"version"`
	Routes  []RouteSpec `yaml:"routes"`
}

// Duration decodes either a Go duration string ("5s", "200ms") or a bare
// integer, which is taken as milliseconds for compatibility with older
// route documents.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RouteSpec is one validated route from the configuration document.
// Optional fields carry their defaults after ParseDocument returns.
type RouteSpec struct {
	PathPrefix      string       `yaml:"path_prefix"`
	Upstreams       UpstreamList `yaml:"upstreams"`
	HealthProbePath string       `yaml:"health_probe_path"`
	RequestTimeout  Duration     `yaml:"request_timeout"`
	RetryEnabled    *bool        `yaml:"retry_enabled"`
	MaxRetries      *int         `yaml:"max_retries"`
	LBStrategy      string       `yaml:"lb_strategy"`
	Plugins         []PluginSpec `yaml:"plugins"`
}

// PluginSpec names a plugin attached to a route together with its parameters.
type PluginSpec struct {
	Name    string         `yaml:"name"`
	Enabled *bool          `yaml:"enabled"`
	Params  map[string]any `yaml:"params"`
}

// IsEnabled reports whether the plugin should run. Plugins are enabled unless
// the document says otherwise.
func (p *PluginSpec) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// UpstreamList accepts either a single string or a sequence of strings in the
// document. Non-string sequence entries are dropped; any other shape yields an
// empty list, which fails route validation.
type UpstreamList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *UpstreamList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*u = UpstreamList{s}
	case yaml.SequenceNode:
		out := make(UpstreamList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || item.ShortTag() != "!!str" {
				continue
			}
			var s string
			if err := item.Decode(&s); err != nil {
				continue
			}
			out = append(out, s)
		}
		*u = out
	default:
		*u = UpstreamList{}
	}
	return nil
}

// ShouldRetry reports whether retries are enabled for the route.
func (r *RouteSpec) ShouldRetry() bool {
	return r.RetryEnabled == nil || *r.RetryEnabled
}

// RetryBudget returns the route's retry count.
func (r *RouteSpec) RetryBudget() int {
	if r.MaxRetries == nil {
		return 3
	}
	return *r.MaxRetries
}

// Equal reports whether two route specs describe the same route. Used by the
// supervisor to detect publish no-ops.
func (r *RouteSpec) Equal(o *RouteSpec) bool {
	if r.PathPrefix != o.PathPrefix ||
		r.HealthProbePath != o.HealthProbePath ||
		r.RequestTimeout != o.RequestTimeout ||
		r.ShouldRetry() != o.ShouldRetry() ||
		r.RetryBudget() != o.RetryBudget() ||
		r.LBStrategy != o.LBStrategy ||
		len(r.Upstreams) != len(o.Upstreams) ||
		len(r.Plugins) != len(o.Plugins) {
		return false
	}
	for i := range r.Upstreams {
		if r.Upstreams[i] != o.Upstreams[i] {
			return false
		}
	}
	for i := range r.Plugins {
		if r.Plugins[i].Name != o.Plugins[i].Name ||
			r.Plugins[i].IsEnabled() != o.Plugins[i].IsEnabled() ||
			fmt.Sprint(r.Plugins[i].Params) != fmt.Sprint(o.Plugins[i].Params) {
			return false
		}
	}
	return true
}

// ParseDocument parses and validates the route configuration document.
// Individual invalid routes are rejected with a logged reason while the rest
// of the document is still published. A document with zero valid routes is a
// parse error so the caller can keep the previously published table.
func ParseDocument(data []byte, logger *zap.Logger) ([]RouteSpec, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse route document: %w", err)
	}

	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("route document contains no routes")
	}

	valid := make([]RouteSpec, 0, len(doc.Routes))
	for i := range doc.Routes {
		route := doc.Routes[i]
		if err := validateRoute(&route); err != nil {
			logger.Warn("rejecting route",
				zap.String("path_prefix", route.PathPrefix),
				zap.Error(err))
			continue
		}
		applyRouteDefaults(&route)
		valid = append(valid, route)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("route document contains no valid routes")
	}
	return valid, nil
}

func validateRoute(r *RouteSpec) error {
	if strings.TrimSpace(r.PathPrefix) == "" {
		return fmt.Errorf("path_prefix is required")
	}
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("path_prefix must start with '/'")
	}
	if len(r.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	for _, raw := range r.Upstreams {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid upstream url %q: %w", raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream url %q must use http or https", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream url %q has no host", raw)
		}
	}
	if r.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	switch r.LBStrategy {
	case "", StrategyRoundRobin, StrategyRandom, StrategyHealthAware:
	default:
		return fmt.Errorf("unknown lb_strategy %q", r.LBStrategy)
	}
	for _, p := range r.Plugins {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("plugin name is required")
		}
	}
	return nil
}

func applyRouteDefaults(r *RouteSpec) {
	if r.HealthProbePath == "" {
		r.HealthProbePath = "/health"
	}
	if r.LBStrategy == "" {
		r.LBStrategy = StrategyHealthAware
	}
	// Normalize upstream origins: strip trailing slashes so rewrite
	// concatenation never produces "//".
	for i, raw := range r.Upstreams {
		r.Upstreams[i] = strings.TrimRight(raw, "/")
	}
}
