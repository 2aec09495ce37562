// Package middleware provides HTTP middleware components for the aggregator API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier = 2
	contentTypeProblemJSON  = "application/problem+json"
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	RateLimiter interface {
		// Allow reports whether a request should proceed.
		Allow() bool
	}

	// InMemoryRateLimiter implements RateLimiter with a single global
	// token bucket. The spec has no per-caller identity to key a
	// per-tenant tier on (no auth layer), so the teacher's three-tier
	// global/plugin/unauthenticated split collapses to one limiter.
	InMemoryRateLimiter struct {
		limiter *rate.Limiter
	}
)

// NewInMemoryRateLimiter creates a token-bucket limiter allowing rps
// requests per second, with burst capacity 2×rps unless burstOverride is
// given.
func NewInMemoryRateLimiter(rps, burstOverride int) *InMemoryRateLimiter {
	burst := burstOverride
	if burst <= 0 {
		burst = rps * burstCapacityMultiplier
	}

	return &InMemoryRateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether a request should proceed.
func (rl *InMemoryRateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// RateLimit returns a middleware that rejects requests over the limit
// with a 429 RFC 7807 error response.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				correlationID := GetCorrelationID(r.Context())
				detail := "Rate limit exceeded. Please retry after some time."

				if err := writeRateLimitError(w, r, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit error response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, r *http.Request, detail, correlationID string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Error         string `json:"error"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://aggregator.io/problems/%s", "rate_limited"),
		Title:         "Too Many Requests",
		Status:        http.StatusTooManyRequests,
		Error:         "rate_limited",
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(http.StatusTooManyRequests)

	return json.NewEncoder(w).Encode(problem)
}
