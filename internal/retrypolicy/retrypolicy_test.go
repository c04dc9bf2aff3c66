package retrypolicy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lattice-run/convoy/internal/config"
	"github.com/lattice-run/convoy/internal/retrypolicy"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	p := retrypolicy.New(config.RetryPolicyConfig{MaxAttempts: 3})
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_NonRateLimitedErrorIsNotRetried(t *testing.T) {
	p := retrypolicy.New(config.RetryPolicyConfig{MaxAttempts: 3})
	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable error, got %d", calls)
	}
}

func TestDo_RetriesOnRateLimitUntilSuccess(t *testing.T) {
	p := retrypolicy.New(config.RetryPolicyConfig{
		MaxAttempts:       3,
		BaseDelayMs:       1,
		MaxDelayMs:        5,
		RespectRetryAfter: true,
	})
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &retrypolicy.RateLimitedError{Err: errors.New("429"), RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	p := retrypolicy.New(config.RetryPolicyConfig{
		MaxAttempts: 3,
		BaseDelayMs: 1,
		MaxDelayMs:  5,
	})
	calls := 0
	rlErr := &retrypolicy.RateLimitedError{Err: errors.New("429"), RetryAfter: time.Millisecond}
	err := p.Do(context.Background(), func() error {
		calls++
		return rlErr
	})
	if !errors.Is(err, rlErr) {
		t.Fatalf("expected the last rate-limit error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDo_ContextCancellationStopsRetries(t *testing.T) {
	p := retrypolicy.New(config.RetryPolicyConfig{
		MaxAttempts: 5,
		BaseDelayMs: 1,
		MaxDelayMs:  5000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return &retrypolicy.RateLimitedError{Err: errors.New("429"), RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
