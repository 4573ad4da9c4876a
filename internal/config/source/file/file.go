// Package file implements a config.Source backed by a local file. Changes are
// detected by polling the file's modification time.
package file

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Source watches a single configuration file.
type Source struct {
	path         string
	pollInterval time.Duration

	mu          sync.Mutex
	lastModTime time.Time
	closed      bool
	cancels     []context.CancelFunc
}

// New creates a file source for path. pollInterval defaults to one second.
func New(path string, pollInterval time.Duration) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to access file %s: %w", path, err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Source{
		path:         path,
		pollInterval: pollInterval,
		lastModTime:  stat.ModTime(),
	}, nil
}

// Get reads the complete current document.
func (s *Source) Get() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", s.path, err)
	}
	return data, nil
}

// Watch polls the file's modification time and delivers the full document on
// every observed change. Rapid successive writes within one poll interval are
// delivered as a single event.
func (s *Source) Watch(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("file source is closed")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	ch := make(chan []byte, 1)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				data, changed := s.poll()
				if !changed {
					continue
				}
				select {
				case ch <- data:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// poll reports whether the file changed since the last observation and, if
// so, returns its new content.
func (s *Source) poll() ([]byte, bool) {
	stat, err := os.Stat(s.path)
	if err != nil {
		// Transient deletion during an atomic editor save; keep waiting.
		return nil, false
	}

	s.mu.Lock()
	last := s.lastModTime
	s.mu.Unlock()

	if !stat.ModTime().After(last) {
		return nil, false
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	s.lastModTime = stat.ModTime()
	s.mu.Unlock()

	return data, true
}

// Close stops all watchers.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return nil
}
