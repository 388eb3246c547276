// Package logger wires log/slog into the replication core's
// context-scoped logging convention: every component pulls its
// logger out of the context instead of depending on a package-level
// global.
package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext returns a context carrying log as the logger subsequent
// code should retrieve via FromContext.
func WithContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in ctx, or slog.Default() if
// none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}

// WithError logs msg at error level with err attached, the way every
// fallible operation in this repo reports failure.
func WithError(log *slog.Logger, err error, msg string) {
	log.Error(msg, slog.String("err", err.Error()))
}

// WithWarnError logs msg at warn level with err attached, for errors
// that are handled but still worth a human's attention.
func WithWarnError(log *slog.Logger, err error, msg string) {
	log.Warn(msg, slog.String("err", err.Error()))
}
