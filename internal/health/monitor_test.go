package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testMonitor(t *testing.T, cfg *Config) *Monitor {
	t.Helper()
	if cfg == nil {
		cfg = &Config{
			Interval:           20 * time.Millisecond,
			Timeout:            time.Second,
			UnhealthyThreshold: 2,
			HealthyThreshold:   2,
		}
	}
	m := NewMonitor(cfg, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMonitor_StartsOptimisticallyHealthy(t *testing.T) {
	m := testMonitor(t, &Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	})
	m.Sync(map[string]string{"http://u.invalid": "/health"})

	if !m.Healthy("http://u.invalid") {
		t.Error("upstreams start healthy until probes prove otherwise")
	}
}

func TestMonitor_DebouncedUnhealthyTransition(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer upstream.Close()

	m := testMonitor(t, nil)
	m.Sync(map[string]string{upstream.URL: "/health"})

	waitFor(t, 2*time.Second, func() bool { return !m.Healthy(upstream.URL) },
		"upstream should become unhealthy after consecutive probe failures")

	// Recovery requires healthy_threshold consecutive successes.
	status.Store(http.StatusOK)
	waitFor(t, 2*time.Second, func() bool { return m.Healthy(upstream.URL) },
		"upstream should recover after consecutive probe successes")
}

func TestMonitor_4xxProbeCountsAsAlive(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	m := testMonitor(t, nil)
	m.Sync(map[string]string{upstream.URL: "/health"})

	time.Sleep(100 * time.Millisecond)
	if !m.Healthy(upstream.URL) {
		t.Error("a 4xx probe response means the peer is alive")
	}
}

func TestMonitor_SyncIsIdempotent(t *testing.T) {
	var probes atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := testMonitor(t, &Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		UnhealthyThreshold: 2,
		HealthyThreshold:   2,
	})

	paths := map[string]string{upstream.URL: "/health"}
	m.Sync(paths)
	m.Sync(paths)
	m.Sync(paths)

	time.Sleep(100 * time.Millisecond)
	if got := probes.Load(); got != 1 {
		t.Errorf("repeated Sync must not spawn duplicate probe loops, saw %d initial probes", got)
	}
}

func TestMonitor_RemovedUpstreamIsForgotten(t *testing.T) {
	m := testMonitor(t, &Config{
		Interval:           time.Hour,
		Timeout:            time.Second,
		UnhealthyThreshold: 2,
		HealthyThreshold:   2,
	})
	m.Sync(map[string]string{"http://a.invalid": "/health", "http://b.invalid": "/health"})
	if len(m.Snapshot()) != 2 {
		t.Fatalf("expected 2 monitored upstreams, got %d", len(m.Snapshot()))
	}

	m.Sync(map[string]string{"http://b.invalid": "/health"})
	snapshot := m.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Upstream != "http://b.invalid" {
		t.Errorf("removed upstream must be forgotten, got %+v", snapshot)
	}
}

func TestMonitor_ChangeCallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	m := testMonitor(t, nil)

	events := make(chan bool, 4)
	m.OnChange(func(_ string, healthy bool) {
		events <- healthy
	})
	m.Sync(map[string]string{upstream.URL: "/health"})

	select {
	case healthy := <-events:
		if healthy {
			t.Error("expected an unhealthy transition event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a health transition callback")
	}
}
