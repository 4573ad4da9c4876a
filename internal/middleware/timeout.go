package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/songzhibin97/waygate/internal/proxy"
)

// Deadline attaches the global per-request deadline to the request context
// and answers 504 when the deadline expired before anything was written.
// Handlers derive their own timeouts from this context, so expiry unwinds
// the whole pipeline.
func Deadline(timeout time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rec := newRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			if ctx.Err() == context.DeadlineExceeded && !rec.wroteHeader {
				proxy.WriteError(rec, http.StatusGatewayTimeout, "Gateway Timeout",
					"request did not complete within the configured timeout")
			}
		})
	}
}
