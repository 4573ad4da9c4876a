package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/proxy"
)

// Recover converts handler panics into 500 responses. The panic detail is
// only exposed outside production mode; production clients get a generic
// message. http.ErrAbortHandler passes through so deliberate connection
// aborts keep working.
func Recover(logger *zap.Logger, production bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("panic while handling request",
					zap.String("request_id", IDFrom(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)

				message := "internal server error"
				if !production {
					message = fmt.Sprint(rec)
				}
				proxy.WriteError(w, http.StatusInternalServerError, "Internal Server Error", message)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
