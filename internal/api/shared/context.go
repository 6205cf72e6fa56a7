package shared

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
)

// SetTraceID stores a new random trace ID in the context.
func SetTraceID(ctx context.Context) context.Context {
	return logger.WithTraceID(ctx, uuid.NewString())
}

// GetTraceID returns the trace ID of the request context, or "".
func GetTraceID(ctx context.Context) string {
	return logger.TraceID(ctx)
}
