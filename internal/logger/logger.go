// Package logger wraps slog with the fields the engine attaches to almost
// every line: run, branch, and module identity.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Logger wraps slog.Logger with contextual helpers.
type Logger struct {
	*slog.Logger
}

// New builds a Logger. format "json" uses slog's JSON handler for
// production log shipping; anything else uses tint for readable local
// console output.
func New(level, format string) *Logger {
	var handler slog.Handler
	lvl := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithContext attaches trace_id from ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if v := ctx.Value(traceIDKey); v != nil {
		return &Logger{Logger: l.With("trace_id", v)}
	}
	return l
}

// WithRunID scopes the logger to a workflow run.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithBranchID scopes the logger to a branch.
func (l *Logger) WithBranchID(branchID string) *Logger {
	return &Logger{Logger: l.With("branch_id", branchID)}
}

// WithModule scopes the logger to a step/module pair.
func (l *Logger) WithModule(stepID, moduleName string) *Logger {
	return &Logger{Logger: l.With("step_id", stepID, "module", moduleName)}
}

// Error logs with a captured stack trace, since these are the lines an
// operator actually needs to diagnose a production incident from.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext is Error with a context-derived trace id attached.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
