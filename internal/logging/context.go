package logging

import (
	"context"
	"log/slog"
)

// loggerKey is the context key for request-scoped loggers.
type loggerKey struct{}

// WithContext attaches a logger to the context. Request paths use it
// to carry a logger enriched with request-scoped attributes.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to the context, or the
// process default when none is attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return Default()
}

// ContextWith derives a context whose logger carries the extra
// attributes.
func ContextWith(ctx context.Context, args ...any) context.Context {
	return WithContext(ctx, FromContext(ctx).With(args...))
}
