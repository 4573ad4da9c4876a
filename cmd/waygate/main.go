// Command waygate runs the gateway: it assembles the engine from environment
// settings, performs the initial route-table load, starts the config watcher
// and the HTTP frontend, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/breaker"
	"github.com/songzhibin97/waygate/internal/config"
	etcdsource "github.com/songzhibin97/waygate/internal/config/source/etcd"
	filesource "github.com/songzhibin97/waygate/internal/config/source/file"
	"github.com/songzhibin97/waygate/internal/health"
	"github.com/songzhibin97/waygate/internal/loadbalancer"
	"github.com/songzhibin97/waygate/internal/logging"
	"github.com/songzhibin97/waygate/internal/metrics"
	"github.com/songzhibin97/waygate/internal/plugin"
	"github.com/songzhibin97/waygate/internal/proxy"
	"github.com/songzhibin97/waygate/internal/ratelimit"
	"github.com/songzhibin97/waygate/internal/router"
	"github.com/songzhibin97/waygate/internal/server"
	"github.com/songzhibin97/waygate/internal/watcher"
)

func main() {
	logger := logging.New(&logging.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Development: os.Getenv("WAYGATE_ENV") != string(config.ModeProduction),
	})
	defer logger.Sync()

	settings := config.LoadSettings(logger)

	collector := metrics.NewCollector()

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.ErrorThresholdPct = settings.BreakerErrorPct
	breakerCfg.ResetTimeout = settings.BreakerResetTimeout
	breakerCfg.CallTimeout = settings.BreakerTimeout
	breakers := breaker.NewRegistry(breakerCfg, logger)
	breakers.OnStateChange(func(upstream string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("upstream", upstream),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		collector.SetBreakerState(upstream, float64(to))
	})

	monitor := health.NewMonitor(&health.Config{
		Interval:           settings.HealthCheckInterval,
		Timeout:            settings.HealthCheckTimeout,
		UnhealthyThreshold: settings.UnhealthyThreshold,
		HealthyThreshold:   settings.HealthyThreshold,
	}, logger)

	storage := ratelimit.ResolveStorage(settings.RateLimitRedisURL, logger)
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Window:      settings.RateLimitWindow,
		MaxRequests: settings.RateLimitMax,
	}, storage, "default")
	strict := ratelimit.NewLimiter(&ratelimit.Config{
		Window:      settings.RateLimitWindow,
		MaxRequests: settings.RateLimitStrictMax,
	}, storage, "strict")
	limiterMW := ratelimit.NewMiddleware(&ratelimit.MiddlewareConfig{
		TrustProxy: settings.TrustProxy,
	}, limiter, strict, logger)

	plugins := plugin.NewRegistry(&plugin.Deps{
		Logger:     logger,
		AuthClient: proxy.NewAuthClient(),
	})

	supervisor := router.NewSupervisor(plugins, breakers, monitor, settings.UpstreamTimeout, logger)

	picker := loadbalancer.NewPicker(monitor.Healthy, logger)
	transport := proxy.NewTransport(&proxy.TransportConfig{
		MaxSockets:     settings.MaxSockets,
		MaxFreeSockets: settings.MaxFreeSockets,
	})
	pipeline := proxy.NewPipeline(breakers, picker, transport, collector, logger)

	source, err := newSource(settings)
	if err != nil {
		logger.Fatal("failed to open configuration source", zap.Error(err))
	}
	defer source.Close()

	document, err := source.Get()
	if err != nil {
		logger.Fatal("failed to load initial configuration", zap.Error(err))
	}
	if err := supervisor.Rebuild(document); err != nil {
		logger.Fatal("initial configuration is invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := watcher.New(source, supervisor, logger).Run(ctx); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.Error("configuration watcher stopped", zap.Error(err))
		}
	}()

	srv := server.New(settings, supervisor, pipeline, breakers, monitor, collector, limiterMW, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}

	// Stop reconfiguration and probing first, then drain the frontend.
	cancel()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown after grace period", zap.Error(err))
	}

	if err := storage.Close(); err != nil {
		logger.Warn("failed to close rate-limit store", zap.Error(err))
	}

	logger.Info("gateway stopped")
}

// newSource opens the configured route-document source.
func newSource(settings *config.Settings) (config.Source, error) {
	if settings.ConfigSource == "etcd" {
		return etcdsource.New(&etcdsource.Config{
			Endpoints: settings.EtcdEndpoints,
		}, settings.ConfigPath)
	}
	return filesource.New(settings.ConfigPath, 0)
}
