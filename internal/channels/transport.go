package channels

import (
	"context"
	"time"

	"github.com/lattice-run/convoy/internal/ratelimit"
	"github.com/lattice-run/convoy/internal/retrypolicy"
)

// RateGatePolicy selects the key a transport's rate gate bucketizes on.
type RateGatePolicy string

const (
	RateGatePerUser RateGatePolicy = "perUser"
	RateGateGlobal  RateGatePolicy = "global"
)

// TransportGate combines the token-bucket rate gate with the bounded
// 429-retry policy into the single primitive every adapter egress call
// goes through.
type TransportGate struct {
	limiter *ratelimit.Limiter
	retry   *retrypolicy.Policy
	policy  RateGatePolicy
}

// NewTransportGate builds a TransportGate from a rate limiter and retry
// policy already constructed from config.
func NewTransportGate(limiter *ratelimit.Limiter, retry *retrypolicy.Policy, policy RateGatePolicy) *TransportGate {
	return &TransportGate{limiter: limiter, retry: retry, policy: policy}
}

func (g *TransportGate) rateGateKey(chatID string) string {
	if g.policy == RateGatePerUser {
		return "chat:" + chatID
	}
	return "global"
}

// Call wraps fn with the rate gate and the bounded 429-retry loop.
func (g *TransportGate) Call(ctx context.Context, chatID string, fn func() error) error {
	return g.retry.Do(ctx, func() error {
		if err := g.awaitRateGate(ctx, chatID); err != nil {
			return err
		}
		return fn()
	})
}

// awaitRateGate blocks until the local token bucket admits a request.
// Local throttling never counts against the outer retry budget: it loops
// here rather than returning a retryable error.
func (g *TransportGate) awaitRateGate(ctx context.Context, chatID string) error {
	key := g.rateGateKey(chatID)
	for {
		allowed, resetIn := g.limiter.Check(key)
		if allowed {
			return nil
		}
		wait := resetIn
		if wait < 250*time.Millisecond {
			wait = 250 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
