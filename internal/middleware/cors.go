package middleware

import (
	"net/http"
	"strings"
)

// CORSConfig configures cross-origin handling.
type CORSConfig struct {
	// AllowedOrigins lists permitted origins; "*" allows any.
	AllowedOrigins []string

	// AllowCredentials adds Access-Control-Allow-Credentials.
	AllowCredentials bool
}

// allowedMethods is the method set the gateway accepts cross-origin.
const allowedMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"

// CORS handles cross-origin requests, answering preflights directly.
func CORS(cfg *CORSConfig) Middleware {
	if cfg == nil {
		cfg = &CORSConfig{AllowedOrigins: []string{"*"}}
	}

	wildcard := false
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		origins[strings.ToLower(o)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := wildcard
			if !allowed {
				_, allowed = origins[strings.ToLower(origin)]
			}
			if allowed {
				h := w.Header()
				if wildcard && !cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Allow-Methods", allowedMethods)

				if r.Method == http.MethodOptions {
					if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
						h.Set("Access-Control-Allow-Headers", reqHeaders)
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
