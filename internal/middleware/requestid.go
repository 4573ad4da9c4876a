package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ResponseHeader is the header the correlation id is echoed on.
const ResponseHeader = "X-Request-ID"

// maxIDLength bounds accepted inbound correlation ids.
const maxIDLength = 128

// idHeaders are consulted in order for an inbound correlation id.
var idHeaders = []string{"X-Request-Id", "X-Correlation-Id", "X-Trace-Id"}

type requestIDKey struct{}

// RequestID attaches a correlation id to every request: the first acceptable
// inbound header value, or a fresh UUID. The id is echoed on the response,
// stored in the context for the logger, and normalized onto the request's
// X-Request-ID header so the proxy forwards it upstream.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := inboundID(r)
			if id == "" {
				id = uuid.NewString()
			}

			r.Header.Set(ResponseHeader, id)
			w.Header().Set(ResponseHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, withRouteLabel(r.WithContext(ctx)))
		})
	}
}

// IDFrom returns the request's correlation id, or empty outside the chain.
func IDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func inboundID(r *http.Request) string {
	for _, name := range idHeaders {
		v := strings.TrimSpace(r.Header.Get(name))
		if v != "" && len(v) <= maxIDLength {
			return v
		}
	}
	return ""
}
