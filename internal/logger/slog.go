package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	slogger  *slog.Logger
	slogFile *os.File
)

// InitSlog initializes the slog-based structured logger used by the HTTP
// layer. If jsonOutput is true, logs are formatted as JSON.
func InitSlog(logFilePath string, level Level, jsonOutput bool) error {
	writer := io.Writer(os.Stdout)

	if logFilePath != "" {
		if dir := filepath.Dir(logFilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		var err error
		slogFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(os.Stdout, slogFile)
	}

	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CloseSlog closes the slog log file.
func CloseSlog() error {
	if slogFile != nil {
		return slogFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging.
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger carrying request correlation fields.
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()

	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		l = l.With("request_id", requestID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		l = l.With("session_id", sessionID)
	}

	return l
}

// Context keys for structured logging.
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID contextKey = "session_id"
)

// InfoContext logs an info message with context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
