package middleware

import (
	"net/http"
	"strings"
)

// APIKeyAuth validates a bearer API key against a fixed key set. Health and
// metrics endpoints stay open for probes and scrapers.
type APIKeyAuth struct {
	keys   map[string]bool
	exempt map[string]bool
}

// NewAPIKeyAuth builds the auth middleware from a comma-separated key list.
// An empty list disables auth entirely (development mode).
func NewAPIKeyAuth(commaSeparatedKeys string) *APIKeyAuth {
	keys := make(map[string]bool)
	for _, k := range strings.Split(commaSeparatedKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return &APIKeyAuth{
		keys: keys,
		exempt: map[string]bool{
			"/health":  true,
			"/metrics": true,
		},
	}
}

// Middleware rejects requests without a valid Authorization: Bearer key.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.keys) == 0 || a.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing Authorization header")
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || !a.keys[token] {
			unauthorized(w, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","code":"Unauthorized","hint":"` + hint + `"}`))
}
