// Package retrypolicy implements the bounded-attempt retry loop that
// wraps every outbound channel transport call: retry only on a
// rate-limited (429) response, honoring the server's Retry-After hint,
// and give up on any other error.
package retrypolicy

import (
	"context"
	"errors"
	"time"

	"github.com/lattice-run/convoy/internal/config"
)

// RateLimitedError signals that the remote transport returned an HTTP 429
// (or equivalent) and optionally carries the server's requested backoff.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration // zero means the server gave no hint
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// Policy bounds the number of retries and the backoff applied between
// them.
type Policy struct {
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	respectRetryAfter bool
}

// New builds a Policy from configuration.
func New(cfg config.RetryPolicyConfig) *Policy {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &Policy{
		maxAttempts:       maxAttempts,
		baseDelay:         baseDelay,
		maxDelay:          maxDelay,
		respectRetryAfter: cfg.RespectRetryAfter,
	}
}

// Do runs fn, retrying only while it returns a *RateLimitedError, up to
// maxAttempts total tries. Any other error is returned immediately
// (callTransport's "else rethrow" branch). The minimum sleep between
// attempts is 1s, mirroring "sleep(max(1s, retry_after))" backoff.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return err
		}
		if attempt == p.maxAttempts-1 {
			break
		}

		delay := time.Second
		if p.respectRetryAfter && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		if delay > p.maxDelay {
			delay = p.maxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
