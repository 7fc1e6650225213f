package strata

import (
	"context"
	"log/slog"
	"os"

	"github.com/stratavec/strata/model"
)

// Logger wraps slog.Logger with strata-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithLog adds a log_id field to the logger.
func (l *Logger) WithLog(id model.LogID) *Logger {
	return &Logger{
		Logger: l.Logger.With("log_id", string(id)),
	}
}

// WithOffset adds an offset field to the logger.
func (l *Logger) WithOffset(off model.Offset) *Logger {
	return &Logger{
		Logger: l.Logger.With("offset", uint64(off)),
	}
}

// WithWatermark adds a watermark field to the logger.
func (l *Logger) WithWatermark(wm model.Offset) *Logger {
	return &Logger{
		Logger: l.Logger.With("watermark", uint64(wm)),
	}
}

// LogAppend logs an append operation.
func (l *Logger) LogAppend(ctx context.Context, logID model.LogID, offset model.Offset, err error) {
	ll := l.WithLog(logID)
	if err != nil {
		ll.ErrorContext(ctx, "append failed", "error", err)
	} else {
		ll.WithOffset(offset).DebugContext(ctx, "append acknowledged")
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, logID model.LogID, wm model.Offset, k, found int, degraded bool, err error) {
	ll := l.WithLog(logID)
	if err != nil {
		ll.ErrorContext(ctx, "query failed", "k", k, "error", err)
		return
	}
	ll = ll.WithWatermark(wm)
	if degraded {
		ll.WarnContext(ctx, "query served degraded", "k", k, "results", found)
	} else {
		ll.DebugContext(ctx, "query completed", "k", k, "results", found)
	}
}

// LogFork logs a log fork operation.
func (l *Logger) LogFork(ctx context.Context, parent, child model.LogID, at model.Offset, err error) {
	ll := l.WithLog(parent).WithOffset(at)
	if err != nil {
		ll.ErrorContext(ctx, "fork failed", "error", err)
	} else {
		ll.InfoContext(ctx, "log forked", "child", string(child))
	}
}
