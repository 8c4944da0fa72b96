package middleware

import (
	"net/http"
	"strconv"
	"time"

	pkghttp "github.com/BradenHooton/neurolock/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds the per-IP limit for unauthenticated endpoints
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit returns the default per-IP limit for public endpoints (10 requests per minute)
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP.
// This is a coarse network-level guard; per-account buckets live in the
// verification services.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	if config.RequestsPerMinute <= 0 {
		config = DefaultAuthRateLimit()
	}
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteRateLimited(w, retryAfter(w))
		}),
	)
}

// retryAfter reads the reset time httprate sets before calling the limit handler
func retryAfter(w http.ResponseWriter) time.Duration {
	reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return time.Minute
	}
	if d := time.Until(time.Unix(reset, 0)); d > 0 {
		return d
	}
	return time.Second
}
