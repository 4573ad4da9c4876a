package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/songzhibin97/waygate/internal/breaker"
)

// serveObservability dispatches the static endpoint set.
func (s *Server) serveObservability(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/livez":
		s.handleLivez(w, r)
	case "/readyz":
		s.handleReadyz(w, r)
	case "/startupz":
		s.handleStartupz(w, r)
	case "/health":
		s.handleHealth(w, r)
	case "/metrics":
		s.collector.Handler().ServeHTTP(w, r)
	}
}

// handleLivez answers as long as the process is running.
func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "alive",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"pid":            os.Getpid(),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// handleReadyz reports readiness to take traffic: a table is published, no
// breaker is open, and if anything is monitored at least one upstream is
// healthy.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	var issues []string

	_, tableErr := s.supervisor.Table()
	if tableErr != nil {
		issues = append(issues, "no routing table published")
	}
	if s.breakers.AnyOpen() {
		issues = append(issues, "one or more circuit breakers are open")
	}
	if s.monitor.AnyMonitored() && !s.monitor.AnyHealthy() {
		issues = append(issues, "no monitored upstream is healthy")
	}

	if len(issues) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"issues":    issues,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]string{
			"routing_table":    "ok",
			"circuit_breakers": "ok",
			"upstreams":        "ok",
		},
	})
}

// handleStartupz flips to 200 once the first rebuild attempt completed,
// whether or not it managed to publish a table.
func (s *Server) handleStartupz(w http.ResponseWriter, _ *http.Request) {
	if !s.supervisor.Started() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "starting",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "started",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth is the detailed report: memory stats, per-upstream breaker
// states and health snapshots, runtime info. Degraded when any breaker is
// open or any monitored upstream is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	states := s.breakers.States()
	breakers := make(map[string]string, len(states))
	degraded := false
	for upstream, state := range states {
		breakers[upstream] = state.String()
		if state == breaker.StateOpen {
			degraded = true
		}
	}

	upstreams := s.monitor.Snapshot()
	for _, u := range upstreams {
		if !u.Healthy {
			degraded = true
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := "healthy"
	code := http.StatusOK
	if degraded {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"memory": map[string]any{
			"alloc_bytes":       mem.Alloc,
			"sys_bytes":         mem.Sys,
			"heap_alloc_bytes":  mem.HeapAlloc,
			"num_gc":            mem.NumGC,
			"goroutine_count":   runtime.NumGoroutine(),
		},
		"circuitBreakers": breakers,
		"upstreams":       upstreams,
		"node": map[string]any{
			"go_version":     runtime.Version(),
			"pid":            os.Getpid(),
			"uptime_seconds": time.Since(s.startTime).Seconds(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
