// Package breaker implements the per-upstream circuit breaker that suppresses
// requests to failing upstreams. Failure statistics accumulate in a
// time-bucketed rolling window; state transitions follow the classic
// closed/open/half-open machine with a single half-open trial.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects the call
// without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed - requests pass through.
	StateClosed State = iota
	// StateOpen - requests fail fast.
	StateOpen
	// StateHalfOpen - a single trial request probes recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config represents circuit breaker configuration.
type Config struct {
	// WindowDuration is the length of the rolling statistics window.
	WindowDuration time.Duration `yaml:"window_duration"`

	// WindowBuckets is the number of sub-buckets the window is split into.
	// Values below 10 are raised to 10.
	WindowBuckets int `yaml:"window_buckets"`

	// MinFires is the minimum number of calls in the window before the
	// breaker may trip.
	MinFires int `yaml:"min_fires"`

	// ErrorThresholdPct trips the breaker when the failure percentage in
	// the window reaches it.
	ErrorThresholdPct int `yaml:"error_threshold_pct"`

	// ResetTimeout is how long the breaker stays open before permitting a
	// half-open trial.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// CallTimeout bounds a single wrapped call. Zero disables the bound
	// (the caller's context still applies).
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowDuration:    60 * time.Second,
		WindowBuckets:     10,
		MinFires:          10,
		ErrorThresholdPct: 50,
		ResetTimeout:      30 * time.Second,
	}
}

// StateChangeFunc observes breaker state transitions. Callbacks run on the
// goroutine that caused the transition; keep them cheap.
type StateChangeFunc func(upstream string, from, to State)

type bucket struct {
	fires    int64
	failures int64
}

// Breaker is the state machine guarding one upstream.
type Breaker struct {
	name string
	cfg  *Config

	mu          sync.Mutex
	state       State
	openedAt    time.Time
	closedAt    time.Time
	buckets     []bucket
	bucketIdx   int
	bucketStart time.Time
	trialActive bool
	onChange    []StateChangeFunc
}

// New creates a closed breaker for the named upstream.
func New(name string, cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	buckets := cfg.WindowBuckets
	if buckets < 10 {
		buckets = 10
	}
	now := time.Now()
	return &Breaker{
		name:        name,
		cfg:         cfg,
		state:       StateClosed,
		closedAt:    now,
		buckets:     make([]bucket, buckets),
		bucketStart: now,
	}
}

// Name returns the upstream the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// OnStateChange registers a transition observer.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

// State returns the current state, applying the open-to-half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(time.Now())
	return b.state
}

// IsOpen reports whether the breaker currently rejects calls outright.
// A half-open breaker is not considered open: it permits the trial request.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Execute runs fn under the breaker. It returns ErrCircuitOpen without calling
// fn when the breaker is open, or when a half-open trial is already in flight.
// The outcome of fn is classified by IsFailure; a call aborted by caller
// cancellation counts as neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	b.settle(trial, err)
	return err
}

// RecordSuccess signals a successful call observed outside Execute.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(time.Now(), false)
}

// RecordFailure signals a failed call observed outside Execute.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(time.Now(), true)
}

// allow decides whether a call may proceed. The bool result marks a half-open
// trial that must be settled.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen(time.Now())

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.trialActive {
			return false, ErrCircuitOpen
		}
		b.trialActive = true
		return true, nil
	default:
		return false, ErrCircuitOpen
	}
}

// settle records the call outcome and resolves a pending half-open trial.
func (b *Breaker) settle(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		// Client went away; the upstream was never given a fair chance.
		if trial {
			b.trialActive = false
		}
		return
	}

	b.record(time.Now(), IsFailure(err))
}

// maybeHalfOpen transitions OPEN to HALF_OPEN once the reset timeout elapses.
// Caller holds the lock.
func (b *Breaker) maybeHalfOpen(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen, now)
		b.trialActive = false
	}
}

// record accounts one call in the rolling window and drives state
// transitions. Caller holds the lock.
func (b *Breaker) record(now time.Time, failure bool) {
	b.advance(now)
	b.buckets[b.bucketIdx].fires++
	if failure {
		b.buckets[b.bucketIdx].failures++
	}

	switch b.state {
	case StateHalfOpen:
		b.trialActive = false
		if failure {
			b.transition(StateOpen, now)
		} else {
			b.transition(StateClosed, now)
			b.resetWindow(now)
		}
	case StateClosed:
		if failure && b.shouldTrip(now) {
			b.transition(StateOpen, now)
		}
	}
}

// shouldTrip applies the trip rule: enough fires in the window, failure
// percentage at or above the threshold, and at least one full bucket of
// traffic observed since the breaker last closed. Caller holds the lock.
func (b *Breaker) shouldTrip(now time.Time) bool {
	if now.Sub(b.closedAt) < b.bucketSize() {
		return false
	}

	var fires, failures int64
	for _, bk := range b.buckets {
		fires += bk.fires
		failures += bk.failures
	}
	if fires < int64(b.cfg.MinFires) {
		return false
	}
	pct := float64(failures) / float64(fires) * 100
	return pct >= float64(b.cfg.ErrorThresholdPct)
}

// advance rotates the bucket ring so the current bucket covers now. Buckets
// older than the window are zeroed as the ring wraps. Caller holds the lock.
func (b *Breaker) advance(now time.Time) {
	size := b.bucketSize()
	for now.Sub(b.bucketStart) >= size {
		b.bucketIdx = (b.bucketIdx + 1) % len(b.buckets)
		b.buckets[b.bucketIdx] = bucket{}
		b.bucketStart = b.bucketStart.Add(size)
		if now.Sub(b.bucketStart) >= b.cfg.WindowDuration {
			// The window fully elapsed while idle; skip ahead.
			b.resetWindow(now)
			return
		}
	}
}

// resetWindow clears every bucket and restarts the window at now.
// Caller holds the lock.
func (b *Breaker) resetWindow(now time.Time) {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.bucketIdx = 0
	b.bucketStart = now
}

func (b *Breaker) bucketSize() time.Duration {
	return b.cfg.WindowDuration / time.Duration(len(b.buckets))
}

// transition changes state and notifies observers. Caller holds the lock.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.closedAt = now
	}
	for _, fn := range b.onChange {
		fn(b.name, from, to)
	}
}
