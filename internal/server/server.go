// Package server is the gateway's frontend: it owns the listening socket,
// the global middleware chain, the observability endpoints and the dispatch
// into the proxy pipeline via the currently published routing table.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/breaker"
	"github.com/songzhibin97/waygate/internal/config"
	"github.com/songzhibin97/waygate/internal/health"
	"github.com/songzhibin97/waygate/internal/metrics"
	"github.com/songzhibin97/waygate/internal/middleware"
	"github.com/songzhibin97/waygate/internal/proxy"
	"github.com/songzhibin97/waygate/internal/ratelimit"
	"github.com/songzhibin97/waygate/internal/router"
)

// observabilityPaths is the static endpoint set dispatched ahead of the
// routing table.
var observabilityPaths = map[string]struct{}{
	"/health":   {},
	"/livez":    {},
	"/readyz":   {},
	"/startupz": {},
	"/metrics":  {},
}

// Server wires the frontend together.
type Server struct {
	settings   *config.Settings
	logger     *zap.Logger
	supervisor *router.Supervisor
	pipeline   *proxy.Pipeline
	breakers   *breaker.Registry
	monitor    *health.Monitor
	collector  *metrics.Collector
	limiter    *ratelimit.Middleware

	httpServer *http.Server
	startTime  time.Time
}

// New builds the frontend. The middleware order is load-bearing; see the
// middleware package doc.
func New(settings *config.Settings, supervisor *router.Supervisor, pipeline *proxy.Pipeline,
	breakers *breaker.Registry, monitor *health.Monitor, collector *metrics.Collector,
	limiter *ratelimit.Middleware, logger *zap.Logger) *Server {

	s := &Server{
		settings:   settings,
		logger:     logger,
		supervisor: supervisor,
		pipeline:   pipeline,
		breakers:   breakers,
		monitor:    monitor,
		collector:  collector,
		limiter:    limiter,
		startTime:  time.Now(),
	}

	handler := middleware.Chain(
		http.HandlerFunc(s.dispatch),
		middleware.Recover(logger, settings.Mode == config.ModeProduction),
		middleware.SecurityHeaders(),
		middleware.CORS(&middleware.CORSConfig{
			AllowedOrigins:   settings.CORSOrigins,
			AllowCredentials: settings.CORSCredentials,
		}),
		middleware.Compression(settings.CompressionThreshold),
		middleware.BodyLimit(settings.BodyLimit),
		middleware.RequestID(),
		limiter.Handler(),
		middleware.Deadline(settings.RequestTimeout),
		middleware.Metrics(collector),
		middleware.AccessLog(logger),
	)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start blocks serving until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("gateway listening",
		zap.String("address", s.httpServer.Addr),
		zap.String("mode", string(s.settings.Mode)))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline, then forcibly closes whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.httpServer.Close()
	}
	return err
}

// dispatch routes a request: observability endpoints first, then the
// published routing table.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := observabilityPaths[r.URL.Path]; ok {
		middleware.SetRouteLabel(r, r.URL.Path)
		s.serveObservability(w, r)
		return
	}

	table, err := s.supervisor.Table()
	if err != nil {
		proxy.WriteError(w, http.StatusServiceUnavailable, "Gateway not configured",
			"no routing table has been published yet")
		return
	}

	route, err := table.Match(r.URL.Path)
	if err != nil {
		proxy.WriteError(w, http.StatusNotFound, "Not Found",
			"no route matches the request path")
		return
	}

	middleware.SetRouteLabel(r, route.PathPrefix)
	s.pipeline.Serve(w, r, route)
}
