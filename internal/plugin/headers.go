package plugin

import (
	"fmt"
	"net/http"
)

// NewHeaderTransformPlugin builds the header-transform middleware, which
// rewrites request headers before the request continues toward the upstream.
//
// Params:
//
//	set    - map of header name to value, replacing existing values
//	add    - map of header name to value, appended to existing values
//	remove - list of header names to delete
func NewHeaderTransformPlugin(params map[string]any, _ *Deps) (Middleware, error) {
	set, err := stringMap(params["set"])
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	add, err := stringMap(params["add"])
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}

	var remove []string
	if raw, ok := params["remove"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				remove = append(remove, s)
			}
		}
	}

	if len(set) == 0 && len(add) == 0 && len(remove) == 0 {
		return nil, fmt.Errorf("at least one of set, add or remove is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for name, value := range set {
				r.Header.Set(name, value)
			}
			for name, value := range add {
				r.Header.Add(name, value)
			}
			for _, name := range remove {
				r.Header.Del(name)
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func stringMap(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a map of header names to values")
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value for %q must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}
