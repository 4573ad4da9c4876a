// Package ratelimit implements the gateway's fixed-window rate limiter.
// Counters live in a Storage backend: a shared Redis store when one is
// configured and reachable at startup, an in-process map otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config represents one limiter profile.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration `yaml:"window"`

	// MaxRequests is the number of requests allowed per key per window.
	MaxRequests int `yaml:"max_requests"`
}

// DefaultConfig returns the default limiter profile: 100 requests per minute.
func DefaultConfig() *Config {
	return &Config{
		Window:      time.Minute,
		MaxRequests: 100,
	}
}

// StrictConfig returns the strict profile used for sensitive endpoints:
// 10 requests per minute.
func StrictConfig() *Config {
	return &Config{
		Window:      time.Minute,
		MaxRequests: 10,
	}
}

// Result reports one limiter decision. RetryAfter carries the value the
// middleware surfaces on 429 responses: the window length, per the limiter's
// response contract.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key in fixed windows over a Storage backend.
type Limiter struct {
	cfg     *Config
	storage Storage
	profile string
}

// NewLimiter creates a limiter over the given storage. The profile string
// keeps keys from different limiter profiles apart in a shared store.
func NewLimiter(cfg *Config, storage Storage, profile string) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{cfg: cfg, storage: storage, profile: profile}
}

// Allow counts one request for key and decides whether it may proceed.
// Storage errors fail open: an unreachable store must not take the gateway
// down with it.
func (l *Limiter) Allow(ctx context.Context, key string) Result {
	windowStart := time.Now().UnixNano() / int64(l.cfg.Window) * int64(l.cfg.Window)
	storageKey := fmt.Sprintf("%s:%s:%d", l.profile, key, windowStart)

	count, err := l.storage.IncrWindow(ctx, storageKey, l.cfg.Window)
	if err != nil {
		return Result{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests}
	}

	remaining := l.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(l.cfg.MaxRequests) {
		return Result{
			Allowed:    false,
			Limit:      l.cfg.MaxRequests,
			Remaining:  0,
			RetryAfter: l.cfg.Window,
		}
	}

	return Result{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: remaining}
}

// Window returns the limiter's window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}
