package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-run/convoy/internal/ratelimit"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := ratelimit.New(60, 3)
	for i := 0; i < 3; i++ {
		allowed, _ := l.Check("chat-1")
		if !allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
	}
}

func TestLimiter_RejectsOverBurst(t *testing.T) {
	l := ratelimit.New(60, 2)
	l.Check("chat-1")
	l.Check("chat-1")

	allowed, resetIn := l.Check("chat-1")
	if allowed {
		t.Fatal("expected the third request to be rejected")
	}
	if resetIn <= 0 {
		t.Fatalf("expected a positive resetIn, got %v", resetIn)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := ratelimit.New(60, 1)
	l.Check("chat-1")

	allowed, _ := l.Check("chat-2")
	if !allowed {
		t.Fatal("expected a fresh key to have its own bucket")
	}
}

func TestLimiter_StartEvictionRemovesStaleBuckets(t *testing.T) {
	l := ratelimit.New(60, 1)
	l.Check("chat-1")
	if l.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket, got %d", l.BucketCount())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartEviction(ctx, 20*time.Millisecond, 10*time.Millisecond)

	deadline := time.After(time.Second)
	for l.BucketCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stale bucket eviction")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
