package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ciEnvVars are copied onto every record when running under CI.
var ciEnvVars = map[string]string{
	"GITHUB_RUN_ID":   "ci_run_id",
	"GITHUB_SHA":      "ci_commit",
	"GITHUB_REF_NAME": "ci_ref",
	"GITHUB_JOB":      "ci_job",
}

func isInCIEnvironment() bool {
	return os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != ""
}

func getCIMetadata() []slog.Attr {
	var attrs []slog.Attr
	for env, key := range ciEnvVars {
		if v := os.Getenv(env); v != "" {
			attrs = append(attrs, slog.String(key, v))
		}
	}
	return attrs
}

// CIHandler is a JSON handler that stamps CI run metadata on every record so
// logs from parallel runs can be told apart.
type CIHandler struct {
	handler slog.Handler
}

// NewCIHandler creates a CIHandler writing JSON to out.
func NewCIHandler(out io.Writer, opts *slog.HandlerOptions) *CIHandler {
	handlerOpts := &slog.HandlerOptions{}
	if opts != nil {
		copied := *opts
		handlerOpts = &copied
	}
	return &CIHandler{
		handler: slog.NewJSONHandler(out, handlerOpts).WithAttrs(getCIMetadata()),
	}
}

// Enabled implements slog.Handler.
func (h *CIHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs implements slog.Handler.
func (h *CIHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CIHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *CIHandler) WithGroup(name string) slog.Handler {
	return &CIHandler{handler: h.handler.WithGroup(name)}
}

// Handle implements slog.Handler. The trace ID from ctx is added when present.
func (h *CIHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := TraceID(ctx); id != "" {
		record = record.Clone()
		record.AddAttrs(slog.String("trace_id", id))
	}
	return h.handler.Handle(ctx, record)
}
