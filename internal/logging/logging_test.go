package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_LevelGating(t *testing.T) {
	ctx := context.Background()

	debug := New("debug", "text")
	require.NotNil(t, debug)
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	errOnly := New("error", "json")
	require.NotNil(t, errOnly)
	assert.False(t, errOnly.Enabled(ctx, slog.LevelInfo))
	assert.True(t, errOnly.Enabled(ctx, slog.LevelError))
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))

	ctx = WithRequestID(ctx, "req-456")
	assert.Equal(t, "req-456", RequestID(ctx))
}

func TestFromContext_DefaultsWhenUnset(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_TagsRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	assert.NotNil(t, L(ctx))

	ctx = WithRequestID(ctx, "req-789")
	assert.NotNil(t, L(ctx))
}
