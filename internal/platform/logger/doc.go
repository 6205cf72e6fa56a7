// Package logger configures the process-wide slog logger and carries request
// scoped loggers through context.
//
// Components receive a *slog.Logger at construction and derive their own with
// logger.With("component", name). HTTP handlers read the request logger, which
// already carries the trace ID, with FromContext.
package logger
