// Package middleware provides HTTP middleware for the Walt API.
package middleware

import (
	"net/http"
	"strings"
)

// DefaultAllowedHeaders are the request headers browsers may send cross-origin.
var DefaultAllowedHeaders = []string{"Content-Type", "X-Walt-Session-ID"}

// CORS returns middleware that handles CORS headers. An empty headers list
// uses DefaultAllowedHeaders.
func CORS(allowedOrigins []string, headers ...string) func(http.Handler) http.Handler {
	if len(headers) == 0 {
		headers = DefaultAllowedHeaders
	}
	allowHeaders := strings.Join(headers, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, explicit := false, false
			for _, o := range allowedOrigins {
				if o == origin && origin != "" {
					allowed, explicit = true, true
					break
				}
				if o == "*" {
					allowed = true
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; echoing a wildcard match would enable CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
