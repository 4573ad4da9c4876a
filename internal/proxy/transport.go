package proxy

import (
	"net"
	"net/http"
	"time"
)

// TransportConfig bounds the upstream connection pool.
type TransportConfig struct {
	// MaxSockets caps concurrent connections per upstream origin.
	MaxSockets int `yaml:"max_sockets"`

	// MaxFreeSockets caps idle keep-alive connections per origin.
	MaxFreeSockets int `yaml:"max_free_sockets"`
}

// NewTransport builds the shared upstream transport. Connections are pooled
// per origin with keep-alive enabled; the auth plugin uses a separate client
// so auth traffic never starves upstream sockets.
func NewTransport(cfg *TransportConfig) *http.Transport {
	maxSockets := 100
	maxFree := 10
	if cfg != nil {
		if cfg.MaxSockets > 0 {
			maxSockets = cfg.MaxSockets
		}
		if cfg.MaxFreeSockets > 0 {
			maxFree = cfg.MaxFreeSockets
		}
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       maxSockets,
		MaxIdleConns:          maxSockets,
		MaxIdleConnsPerHost:   maxFree,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewAuthClient builds the HTTP client used for auth-service calls, with its
// own small connection pool and the auth contract's 5 second timeout.
func NewAuthClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   3 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}
