package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// verifyPath is the auth service's verification endpoint.
const verifyPath = "/api/v1/authz/verify"

// authForwardHeaders is the allowlist of client headers forwarded to the
// auth service alongside the Authorization header.
var authForwardHeaders = []string{
	"accept-language",
	"device-type",
	"app-version",
	"device-id",
	"x-device-os",
	"gps-coordinates",
	"x-forwarded-for",
	"x-real-ip",
	"user-agent",
}

// verifyResponse is the success shape of the auth service's reply. UserID is
// either a JSON string or a number; both are accepted.
type verifyResponse struct {
	Data struct {
		VerifyStatus bool `json:"verifyStatus"`
		UserID       any  `json:"userId"`
	} `json:"data"`
}

// userIDString renders the verified user id for the X-User-Id header.
func userIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

type authError struct {
	Status       string        `json:"status"`
	Error        string        `json:"error"`
	ErrorDetails []authMessage `json:"errorDetails"`
}

type authMessage struct {
	Message string `json:"message"`
}

// NewAuthPlugin builds the central-auth middleware. It delegates every
// request's authorization decision to the configured auth service and, on
// success, replaces the client's Authorization header with a verified
// X-User-Id before the request continues toward the upstream.
func NewAuthPlugin(params map[string]any, deps *Deps) (Middleware, error) {
	rawURL, _ := params["auth_service_url"].(string)
	rawURL = strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if rawURL == "" {
		return nil, fmt.Errorf("auth_service_url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("auth_service_url must be an absolute http(s) url")
	}

	if enabled, ok := params["enabled"].(bool); ok && !enabled {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	client := deps.AuthClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	p := &authPlugin{
		serviceURL: rawURL,
		client:     client,
		logger:     deps.Logger,
	}
	return p.middleware, nil
}

type authPlugin struct {
	serviceURL string
	client     *http.Client
	logger     *zap.Logger
}

func (p *authPlugin) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")
		if authorization == "" {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header is required")
			return
		}

		resp, err := p.verify(r, authorization)
		if err != nil {
			p.logger.Error("auth service unreachable",
				zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, http.StatusBadGateway, "AUTH_SERVICE_UNAVAILABLE", err.Error())
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			writeAuthError(w, http.StatusBadGateway, "AUTH_SERVICE_UNAVAILABLE", err.Error())
			return
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			// A broken auth service is an availability problem, not an
			// authorization decision.
			writeAuthError(w, http.StatusBadGateway, "AUTH_SERVICE_UNAVAILABLE",
				fmt.Sprintf("auth service returned status %d", resp.StatusCode))
			return
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			var verify verifyResponse
			if err := decodeVerify(body, &verify); err == nil && verify.Data.VerifyStatus {
				r.Header.Set("X-User-Id", userIDString(verify.Data.UserID))
				r.Header.Del("Authorization")
				next.ServeHTTP(w, r)
				return
			}
		}

		// Forward the auth service's own body so localized error messages
		// survive intact.
		p.forwardDecision(w, resp.StatusCode, resp.Header.Get("Content-Type"), body)
	})
}

// verify POSTs to the auth service's verification endpoint.
func (p *authPlugin) verify(r *http.Request, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		p.serviceURL+verifyPath, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", authorization)
	req.Header.Set("X-Original-URI", r.URL.RequestURI())
	req.Header.Set("X-Original-Method", r.Method)
	req.Header.Set("Content-Type", "application/json")
	for _, name := range authForwardHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	return p.client.Do(req)
}

// forwardDecision relays the auth service's denial verbatim, clamping the
// status into the client-error range.
func (p *authPlugin) forwardDecision(w http.ResponseWriter, status int, contentType string, body []byte) {
	if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
		status = http.StatusUnauthorized
	}
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

// decodeVerify parses the verification response keeping numeric user ids
// exact; large integer ids would lose precision through float64.
func decodeVerify(body []byte, out *verifyResponse) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authError{
		Status:       "fail",
		Error:        code,
		ErrorDetails: []authMessage{{Message: message}},
	})
}
