package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode is the runtime mode tag of the process.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

// Settings holds every environment-derived knob of the gateway. Each value is
// validated at startup; invalid or out-of-range values are logged at warn level
// and replaced with the default (non-fatal).
type Settings struct {
	Port       int
	Mode       Mode
	TrustProxy bool

	ConfigPath   string
	ConfigSource string // "file" or "etcd"
	EtcdEndpoints []string

	CORSOrigins     []string
	CORSCredentials bool

	BodyLimit            int64
	CompressionThreshold int64

	RequestTimeout     time.Duration
	UpstreamTimeout    time.Duration
	HealthCheckTimeout time.Duration
	ShutdownTimeout    time.Duration

	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryFactor       float64

	BreakerTimeout      time.Duration
	BreakerErrorPct     int
	BreakerResetTimeout time.Duration

	HealthCheckInterval time.Duration
	UnhealthyThreshold  int
	HealthyThreshold    int

	RateLimitWindow    time.Duration
	RateLimitMax       int
	RateLimitStrictMax int
	RateLimitRedisURL  string

	MaxSockets     int
	MaxFreeSockets int

	LogLevel string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Port:                 3000,
		Mode:                 ModeDevelopment,
		TrustProxy:           false,
		ConfigPath:           "gateway.yaml",
		ConfigSource:         "file",
		CORSOrigins:          []string{"*"},
		CORSCredentials:      false,
		BodyLimit:            10 << 20, // 10 MiB
		CompressionThreshold: 1 << 10,  // 1 KiB
		RequestTimeout:       30 * time.Second,
		UpstreamTimeout:      30 * time.Second,
		HealthCheckTimeout:   5 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		MaxRetries:           3,
		RetryInitialDelay:    100 * time.Millisecond,
		RetryMaxDelay:        10 * time.Second,
		RetryFactor:          2,
		BreakerTimeout:       30 * time.Second,
		BreakerErrorPct:      50,
		BreakerResetTimeout:  30 * time.Second,
		HealthCheckInterval:  30 * time.Second,
		UnhealthyThreshold:   3,
		HealthyThreshold:     2,
		RateLimitWindow:      time.Minute,
		RateLimitMax:         100,
		RateLimitStrictMax:   10,
		MaxSockets:           100,
		MaxFreeSockets:       10,
		LogLevel:             "info",
	}
}

// LoadSettings reads the environment and returns validated settings. Parsing
// problems never abort startup; each one is logged and the default kept.
func LoadSettings(logger *zap.Logger) *Settings {
	s := DefaultSettings()

	s.Port = envInt(logger, "PORT", s.Port, 1, 65535)
	s.Mode = envMode(logger, "WAYGATE_ENV", s.Mode)
	s.TrustProxy = envBool(logger, "TRUST_PROXY", s.TrustProxy)

	if v := os.Getenv("GATEWAY_CONFIG_PATH"); v != "" {
		s.ConfigPath = v
	}
	if v := strings.ToLower(os.Getenv("CONFIG_SOURCE")); v != "" {
		if v == "file" || v == "etcd" {
			s.ConfigSource = v
		} else {
			logger.Warn("invalid CONFIG_SOURCE, using default",
				zap.String("value", v), zap.String("default", s.ConfigSource))
		}
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		s.EtcdEndpoints = splitAndTrim(v)
	}

	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		s.CORSOrigins = splitAndTrim(v)
	}
	s.CORSCredentials = envBool(logger, "CORS_CREDENTIALS", s.CORSCredentials)

	s.BodyLimit = envSize(logger, "REQUEST_BODY_LIMIT", s.BodyLimit)
	s.CompressionThreshold = envSize(logger, "COMPRESSION_THRESHOLD", s.CompressionThreshold)

	s.RequestTimeout = envMillis(logger, "REQUEST_TIMEOUT_MS", s.RequestTimeout)
	s.UpstreamTimeout = envMillis(logger, "UPSTREAM_TIMEOUT_MS", s.UpstreamTimeout)
	s.HealthCheckTimeout = envMillis(logger, "HEALTH_CHECK_TIMEOUT_MS", s.HealthCheckTimeout)
	s.ShutdownTimeout = envMillis(logger, "SHUTDOWN_TIMEOUT_MS", s.ShutdownTimeout)

	s.MaxRetries = envInt(logger, "MAX_RETRIES", s.MaxRetries, 0, 100)
	s.RetryInitialDelay = envMillis(logger, "RETRY_INITIAL_DELAY_MS", s.RetryInitialDelay)
	s.RetryMaxDelay = envMillis(logger, "RETRY_MAX_DELAY_MS", s.RetryMaxDelay)
	s.RetryFactor = envFloat(logger, "RETRY_FACTOR", s.RetryFactor)

	s.BreakerTimeout = envMillis(logger, "CIRCUIT_BREAKER_TIMEOUT_MS", s.BreakerTimeout)
	s.BreakerErrorPct = envInt(logger, "CIRCUIT_BREAKER_ERROR_THRESHOLD", s.BreakerErrorPct, 1, 100)
	s.BreakerResetTimeout = envMillis(logger, "CIRCUIT_BREAKER_RESET_TIMEOUT_MS", s.BreakerResetTimeout)

	s.HealthCheckInterval = envMillis(logger, "HEALTH_CHECK_INTERVAL_MS", s.HealthCheckInterval)
	s.UnhealthyThreshold = envInt(logger, "HEALTH_CHECK_UNHEALTHY_THRESHOLD", s.UnhealthyThreshold, 1, 1000)
	s.HealthyThreshold = envInt(logger, "HEALTH_CHECK_HEALTHY_THRESHOLD", s.HealthyThreshold, 1, 1000)

	s.RateLimitWindow = envMillis(logger, "RATE_LIMIT_WINDOW_MS", s.RateLimitWindow)
	s.RateLimitMax = envInt(logger, "RATE_LIMIT_MAX", s.RateLimitMax, 1, 1_000_000)
	s.RateLimitStrictMax = envInt(logger, "RATE_LIMIT_STRICT_MAX", s.RateLimitStrictMax, 1, 1_000_000)
	s.RateLimitRedisURL = os.Getenv("RATE_LIMIT_REDIS_URL")

	s.MaxSockets = envInt(logger, "MAX_SOCKETS", s.MaxSockets, 1, 65535)
	s.MaxFreeSockets = envInt(logger, "MAX_FREE_SOCKETS", s.MaxFreeSockets, 0, 65535)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}

	return s
}

func envInt(logger *zap.Logger, name string, def, min, max int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		logger.Warn("invalid integer environment value, using default",
			zap.String("name", name), zap.String("value", v), zap.Int("default", def))
		return def
	}
	return n
}

func envFloat(logger *zap.Logger, name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		logger.Warn("invalid float environment value, using default",
			zap.String("name", name), zap.String("value", v), zap.Float64("default", def))
		return def
	}
	return f
}

func envBool(logger *zap.Logger, name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid boolean environment value, using default",
			zap.String("name", name), zap.String("value", v), zap.Bool("default", def))
		return def
	}
	return b
}

func envMillis(logger *zap.Logger, name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		logger.Warn("invalid duration environment value, using default",
			zap.String("name", name), zap.String("value", v), zap.Duration("default", def))
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envSize(logger *zap.Logger, name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := ParseSize(v)
	if err != nil || n <= 0 {
		logger.Warn("invalid size environment value, using default",
			zap.String("name", name), zap.String("value", v), zap.Int64("default", def))
		return def
	}
	return n
}

func envMode(logger *zap.Logger, name string, def Mode) Mode {
	v := strings.ToLower(os.Getenv(name))
	switch v {
	case "":
		return def
	case string(ModeDevelopment), string(ModeProduction), string(ModeTest):
		return Mode(v)
	default:
		logger.Warn("invalid runtime mode, using default",
			zap.String("name", name), zap.String("value", v), zap.String("default", string(def)))
		return def
	}
}

// ParseSize parses size strings such as "10mb", "1kib" or "524288" into bytes.
func ParseSize(v string) (int64, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "kib"), strings.HasSuffix(v, "kb"):
		multiplier = 1 << 10
		v = strings.TrimSuffix(strings.TrimSuffix(v, "kib"), "kb")
	case strings.HasSuffix(v, "mib"), strings.HasSuffix(v, "mb"):
		multiplier = 1 << 20
		v = strings.TrimSuffix(strings.TrimSuffix(v, "mib"), "mb")
	case strings.HasSuffix(v, "gib"), strings.HasSuffix(v, "gb"):
		multiplier = 1 << 30
		v = strings.TrimSuffix(strings.TrimSuffix(v, "gib"), "gb")
	case strings.HasSuffix(v, "b"):
		v = strings.TrimSuffix(v, "b")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return n * multiplier, nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
