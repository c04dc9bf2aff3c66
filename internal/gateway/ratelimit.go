package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/ratelimit"
)

// RateLimitMiddleware applies the shared per-key token bucket limiter
// to the HTTP surface, bucketing by API key when present and falling
// back to remote address.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	enabled bool
}

// NewRateLimitMiddleware creates a rate limit middleware from config.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst == 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		limiter: ratelimit.New(rpm, burst),
		enabled: cfg.Enabled,
	}
}

// StartEviction launches a background goroutine that periodically removes
// stale token buckets (no requests in the last maxAge). This prevents
// unbounded memory growth from unique API keys or IP addresses.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	rl.limiter.StartEviction(ctx, interval, maxAge)
}

// BucketCount returns the current number of tracked buckets (for testing/metrics).
func (rl *RateLimitMiddleware) BucketCount() int {
	return rl.limiter.BucketCount()
}

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip for health/metrics endpoints.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			key = r.RemoteAddr // fallback to IP-based bucketing
		}

		allowed, resetIn := rl.limiter.Check(key)
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(resetIn.Seconds())+1))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
