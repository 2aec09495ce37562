// Package middleware provides HTTP middleware components for the aggregator API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig is the read-only view of CORS settings this middleware needs.
// It is implemented by api.CORSConfig in internal/api/config.go, so this
// package does not import api.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that handles Cross-Origin Resource Sharing
// (CORS) for the ingestion and query endpoints. Preflight (OPTIONS)
// requests are answered here directly and never reach a route handler.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			applyCORSHeaders(w, r, config)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// applyCORSHeaders writes every CORS response header config allows, each a
// no-op when its underlying setting is empty/zero.
func applyCORSHeaders(w http.ResponseWriter, r *http.Request, config CORSConfig) {
	header := w.Header()

	setAllowedOrigin(header, r.Header.Get("Origin"), config.GetAllowedOrigins())

	if methods := config.GetAllowedMethods(); len(methods) > 0 {
		header.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	}

	if headers := config.GetAllowedHeaders(); len(headers) > 0 {
		header.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	}

	if maxAge := config.GetMaxAge(); maxAge > 0 {
		header.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}
}

// setAllowedOrigin sets Access-Control-Allow-Origin to "*" for a wildcard
// config, or to the request's Origin when it's in the allowlist; otherwise
// it sets nothing, which is how a browser is told the origin is rejected.
func setAllowedOrigin(header http.Header, origin string, allowedOrigins []string) {
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		header.Set("Access-Control-Allow-Origin", "*")

		return
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed {
			header.Set("Access-Control-Allow-Origin", origin)

			return
		}
	}
}
