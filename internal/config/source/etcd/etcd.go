// Package etcd implements a config.Source that reads the route document from
// a single etcd key and watches it for changes.
package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// Source watches one etcd key holding the full route document.
type Source struct {
	client *clientv3.Client
	key    string

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
}

// New connects to etcd and verifies the cluster is reachable.
func New(cfg *Config, key string) (*Source, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}
	if key == "" {
		return nil, fmt.Errorf("etcd key cannot be empty")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &Source{client: client, key: key}, nil
}

// Get reads the current document from etcd.
func (s *Source) Get() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s from etcd: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("key %s not found in etcd", s.key)
	}
	return resp.Kvs[0].Value, nil
}

// Watch delivers the full document on every change to the key.
func (s *Source) Watch(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("etcd source is closed")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	ch := make(chan []byte, 1)
	watchCh := s.client.Watch(watchCtx, s.key)

	go func() {
		defer close(ch)
		for {
			select {
			case <-watchCtx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					continue
				}
				for _, ev := range resp.Events {
					if ev.Type != clientv3.EventTypePut {
						continue
					}
					select {
					case ch <- ev.Kv.Value:
					case <-watchCtx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close stops all watchers and closes the client connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	return s.client.Close()
}
