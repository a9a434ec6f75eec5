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
	// WorkspaceKey is the context key for the workspace path
	WorkspaceKey ContextKey = "workspace"
	// SessionKey is the context key for the active session ID
	SessionKey ContextKey = "session_id"
	// JobKey is the context key for the active job ID
	JobKey ContextKey = "job_id"
)

// TraceContext holds tracing information carried through a retrieval request
type TraceContext struct {
	TraceID   string
	Workspace string
	SessionID string
	JobID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithWorkspace adds the workspace path to the context
func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, WorkspaceKey, workspace)
}

// WithSessionID adds the session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionKey, sessionID)
}

// WithJobID adds the job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobKey, jobID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetWorkspace retrieves the workspace path from the context
func GetWorkspace(ctx context.Context) string {
	if workspace, ok := ctx.Value(WorkspaceKey).(string); ok {
		return workspace
	}
	return ""
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	if jobID, ok := ctx.Value(JobKey).(string); ok {
		return jobID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		Workspace: GetWorkspace(ctx),
		SessionID: GetSessionID(ctx),
		JobID:     GetJobID(ctx),
	}
}

// NewRequestContext creates a new context for a retrieval request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
