package plugin

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// NewJWTPlugin builds the jwt-auth middleware, which validates a bearer
// token locally instead of delegating to the central auth service. On
// success the subject claim becomes X-User-Id and the Authorization header
// is stripped, matching the central-auth plugin's contract toward upstreams.
//
// Params:
//
//	secret  - required HMAC signing secret
//	methods - allowed signing methods, default ["HS256"]
func NewJWTPlugin(params map[string]any, deps *Deps) (Middleware, error) {
	secret, _ := params["secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("secret is required")
	}

	methods := []string{"HS256"}
	if raw, ok := params["methods"].([]any); ok && len(raw) > 0 {
		methods = methods[:0]
		for _, m := range raw {
			if s, ok := m.(string); ok {
				methods = append(methods, s)
			}
		}
		if len(methods) == 0 {
			return nil, fmt.Errorf("methods must be a list of strings")
		}
	}

	if enabled, ok := params["enabled"].(bool); ok && !enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := r.Header.Get("Authorization")
			if authorization == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header is required")
				return
			}

			raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
			token, err := jwt.Parse(raw, keyFunc, jwt.WithValidMethods(methods))
			if err != nil || !token.Valid {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token has no subject")
				return
			}

			r.Header.Set("X-User-Id", subject)
			r.Header.Del("Authorization")
			next.ServeHTTP(w, r)
		})
	}, nil
}
