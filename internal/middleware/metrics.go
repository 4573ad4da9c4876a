package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/songzhibin97/waygate/internal/metrics"
)

// Metrics records request count, latency and error counters for every
// completed response, labeled by the route the frontend matched.
func Metrics(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)

			next.ServeHTTP(rec, r)

			collector.ObserveRequest(
				r.Method,
				RouteLabelFrom(r),
				strconv.Itoa(rec.status),
				rec.status,
				time.Since(start),
			)
		})
	}
}
