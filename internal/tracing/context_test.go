package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithWorkspace(ctx, "/tmp/ws")
	ctx = WithSessionID(ctx, "s1")
	ctx = WithJobID(ctx, "job-42")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "/tmp/ws", GetWorkspace(ctx))
	assert.Equal(t, "s1", GetSessionID(ctx))
	assert.Equal(t, "job-42", GetJobID(ctx))
}

func TestFromContext_Empty(t *testing.T) {
	tc := FromContext(context.Background())
	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.Workspace)
	assert.Empty(t, tc.SessionID)
	assert.Empty(t, tc.JobID)
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))

	// A second request context gets its own trace ID
	ctx2 := NewRequestContext(context.Background())
	assert.NotEqual(t, GetTraceID(ctx), GetTraceID(ctx2))
}
