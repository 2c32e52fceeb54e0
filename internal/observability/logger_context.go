// Package observability carries request-scoped logging context across the
// boundary between HTTP handlers and the job managers.
package observability

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

type requestIDKey struct{}

// WithLogger attaches a request-scoped logger to the context. Evaluation and
// remediation runs outlive the request that admitted them, so the admission
// path reads the logger back out instead of using the process default.
func WithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, lg)
}

// Logger returns the context's logger, or slog's default when none is attached.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if lg, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}

// WithRequestID stores the originating request id so a job's submission log
// line can be matched to the access log entry that admitted it.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the stored request id, or an empty string.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
