package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Absent trace_id reads back as the "-" placeholder.
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected placeholder, got %q", got)
	}

	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}

	// Overwrite wins.
	ctx = WithTraceID(ctx, "trace-456")
	if got := TraceID(ctx); got != "trace-456" {
		t.Fatalf("expected trace-456, got %q", got)
	}
}

func TestTraceID_EmptyValueFallsBackToPlaceholder(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected placeholder for empty trace_id, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatalf("expected distinct trace ids, got %q twice", a)
	}
}
