// Package watcher turns raw configuration-source events into debounced
// rebuild requests. Bursts of file writes (editors, atomic saves, startup
// syncs) coalesce into a single rebuild.
package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/config"
)

// debounceWindow is how long the watcher waits for a quiet period before
// asking the supervisor to rebuild.
const debounceWindow = 500 * time.Millisecond

// Rebuilder receives the coalesced document. Implemented by the router
// supervisor.
type Rebuilder interface {
	Rebuild(data []byte) error
}

// Watcher drives rebuilds from a configuration source.
type Watcher struct {
	source     config.Source
	supervisor Rebuilder
	logger     *zap.Logger
	debounce   time.Duration
}

// New creates a watcher with the default debounce window.
func New(source config.Source, supervisor Rebuilder, logger *zap.Logger) *Watcher {
	return &Watcher{
		source:     source,
		supervisor: supervisor,
		logger:     logger,
		debounce:   debounceWindow,
	}
}

// Run consumes source events until the context is cancelled. Rebuild
// failures are logged and the loop continues; the watcher never takes the
// process down.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.source.Watch(ctx)
	if err != nil {
		return err
	}

	var pending []byte
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case data, ok := <-events:
			if !ok {
				w.logger.Warn("configuration source watch channel closed")
				return nil
			}
			pending = data
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			if err := w.supervisor.Rebuild(pending); err != nil {
				w.logger.Error("configuration rebuild failed", zap.Error(err))
			}
			pending = nil
		}
	}
}
