package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", want: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestSetup(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	buf := &TestLogBuffer{}
	logger := Setup(Config{Level: "warn", Format: "json"}, buf)
	assert.Same(t, logger, slog.Default())

	logger.Info("dropped")
	logger.Warn("kept", "component", "poller")

	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
	assert.Equal(t, "poller", entries[0]["component"])
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	fallback, _ := NewTestLogger(t)
	custom, _ := NewTestLogger(t)

	//nolint:staticcheck // nil context is handled explicitly
	assert.Same(t, fallback, FromContextOrDefault(nil, fallback))
	assert.Same(t, fallback, FromContextOrDefault(context.Background(), fallback))
	assert.Same(t, custom, FromContextOrDefault(WithLogger(context.Background(), custom), fallback))

	assert.Panics(t, func() { WithLogger(context.Background(), nil) })
}

func TestTraceID(t *testing.T) {
	t.Parallel()

	assert.Empty(t, TraceID(context.Background()))
	ctx := WithTraceID(context.Background(), "abc")
	assert.Equal(t, "abc", TraceID(ctx))
}

func TestCIHandler(t *testing.T) {
	t.Setenv("GITHUB_RUN_ID", "42")

	buf := &TestLogBuffer{}
	logger := slog.New(NewCIHandler(buf, nil)).With("component", "reconciler")
	logger.InfoContext(WithTraceID(context.Background(), "trace-1"), "cycle done")

	assert.True(t, buf.HasEntry("cycle done", map[string]any{
		"ci_run_id": "42",
		"trace_id":  "trace-1",
		"component": "reconciler",
	}))
}
