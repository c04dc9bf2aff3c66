// Package shared holds the small cross-cutting helpers every layer of
// the gateway uses: request trace identity and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDHeader is the HTTP header the gateway reads an inbound trace
// id from and echoes back on every response.
const TraceIDHeader = "X-Trace-Id"

// unknownTraceID is logged when a code path runs outside any traced
// request, so log lines always carry the field.
const unknownTraceID = "-"

type traceKey struct{}

// WithTraceID attaches a trace id to the context. Ingress boundaries
// (the HTTP mux, channel adapters) call this once per inbound request
// or message; everything downstream inherits it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace id from ctx, or the "-" placeholder when
// the context was never stamped.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return unknownTraceID
}

// NewTraceID mints a fresh trace id for requests that arrived without
// one.
func NewTraceID() string {
	return uuid.NewString()
}
