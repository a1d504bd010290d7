package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// SessionIDKey is the context key for the session id
	SessionIDKey ContextKey = "session_id"
	// ProviderIDKey is the context key for the provider serving the current step
	ProviderIDKey ContextKey = "provider_id"
	// StepIDKey is the context key for the current step id
	StepIDKey ContextKey = "step_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionID  string
	ProviderID string
	StepID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithProviderID(ctx context.Context, providerID string) context.Context {
	return context.WithValue(ctx, ProviderIDKey, providerID)
}

func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, StepIDKey, stepID)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return value(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return value(ctx, RunIDKey) }

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string { return value(ctx, SessionIDKey) }

// GetProviderID retrieves the provider id from the context
func GetProviderID(ctx context.Context) string { return value(ctx, ProviderIDKey) }

// GetStepID retrieves the step id from the context
func GetStepID(ctx context.Context) string { return value(ctx, StepIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionID:  GetSessionID(ctx),
		ProviderID: GetProviderID(ctx),
		StepID:     GetStepID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ProviderID != "" {
		ctx = WithProviderID(ctx, tc.ProviderID)
	}
	if tc.StepID != "" {
		ctx = WithStepID(ctx, tc.StepID)
	}
	return ctx
}

// NewRunContext starts a run for sessionID, keeping an inherited trace ID
// or minting one.
func NewRunContext(ctx context.Context, sessionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithSessionID(ctx, sessionID)
}

// StepContext derives the context for one provider step of the current run.
func StepContext(ctx context.Context, providerID, stepID string) context.Context {
	ctx = WithProviderID(ctx, providerID)
	return WithStepID(ctx, stepID)
}
