// Package logging provides structured logging for the archiving service.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for common fields
	traceIDKey   contextKey = "trace_id"
	userIDKey    contextKey = "user_id"
	accountIDKey contextKey = "account_id"
	mailboxKey   contextKey = "mailbox"
	messageIDKey contextKey = "message_id"
)

// Logger wraps slog with Bichon-specific functionality.
type Logger struct {
	*slog.Logger
}

// Config configures the logger. Field names mirror spec.md's configuration
// table directly (log_level, ansi_logs, log_to_file, json_logs,
// max_server_log_files) rather than the generic json/text split the
// teacher used, since that table is part of the external contract.
type Config struct {
	Level          string
	ANSILogs       bool
	LogToFile      bool
	LogFilePath    string
	JSONLogs       bool
	MaxServerFiles int
	AddSource      bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:          "info",
		ANSILogs:       true,
		LogToFile:      false,
		JSONLogs:       false,
		MaxServerFiles: 10,
		AddSource:      false,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer = os.Stdout
	if cfg.LogToFile {
		path := cfg.LogFilePath
		if path == "" {
			path = "bichon.log"
		}
		f, err := rotate(path, cfg.MaxServerFiles)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.JSONLogs || cfg.LogToFile {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// rotate opens path for append, first renaming any existing file aside
// with a timestamp suffix and pruning old rotations beyond keep.
func rotate(path string, keep int) (*os.File, error) {
	if keep <= 0 {
		keep = 10
	}
	if _, err := os.Stat(path); err == nil {
		rotated := fmt.Sprintf("%s.%d", path, time.Now().UnixNano())
		if err := os.Rename(path, rotated); err != nil {
			return nil, fmt.Errorf("failed to rotate log file: %w", err)
		}
		pruneRotations(path, keep)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

func pruneRotations(path string, keep int) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotations []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base+".") {
			rotations = append(rotations, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(rotations)
	for len(rotations) > keep {
		_ = os.Remove(rotations[0])
		rotations = rotations[1:]
	}
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithTraceID returns a new context with the trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithUserID returns a new context with the user ID.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithAccountID returns a new context with the account ID.
func WithAccountID(ctx context.Context, accountID uint64) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// WithMailbox returns a new context with the mailbox name.
func WithMailbox(ctx context.Context, mailbox string) context.Context {
	return context.WithValue(ctx, mailboxKey, mailbox)
}

// WithMessageID returns a new context with the message ID.
func WithMessageID(ctx context.Context, msgID string) context.Context {
	return context.WithValue(ctx, messageIDKey, msgID)
}

func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if v := ctx.Value(traceIDKey); v != nil {
		attrs = append(attrs, slog.String("trace_id", v.(string)))
	}
	if v := ctx.Value(userIDKey); v != nil {
		attrs = append(attrs, slog.Int64("user_id", v.(int64)))
	}
	if v := ctx.Value(accountIDKey); v != nil {
		attrs = append(attrs, slog.Uint64("account_id", v.(uint64)))
	}
	if v := ctx.Value(mailboxKey); v != nil {
		attrs = append(attrs, slog.String("mailbox", v.(string)))
	}
	if v := ctx.Value(messageIDKey); v != nil {
		attrs = append(attrs, slog.String("message_id", v.(string)))
	}

	return attrs
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, withContextArgs(ctx, args)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	allArgs := make([]any, 0, len(args)+2)
	if err != nil {
		allArgs = append(allArgs, "error", err.Error())
	}
	allArgs = append(allArgs, args...)
	l.Logger.ErrorContext(ctx, msg, withContextArgs(ctx, allArgs)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, withContextArgs(ctx, args)...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, withContextArgs(ctx, args)...)
}

func withContextArgs(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	allArgs := make([]any, 0, len(attrs)*2+len(args))
	for _, attr := range attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)
	return allArgs
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Sync returns a logger scoped to the IMAP sync pipeline (C7).
func (l *Logger) Sync() *Logger {
	return &Logger{Logger: l.Logger.With("component", "sync")}
}

// Index returns a logger scoped to the index writers (C5/C6).
func (l *Logger) Index() *Logger {
	return &Logger{Logger: l.Logger.With("component", "index")}
}

// Pool returns a logger scoped to the IMAP connection pool (C2).
func (l *Logger) Pool() *Logger {
	return &Logger{Logger: l.Logger.With("component", "imap_pool")}
}

// HTTP returns a logger scoped to the HTTP boundary (C13).
func (l *Logger) HTTP() *Logger {
	return &Logger{Logger: l.Logger.With("component", "http")}
}

// Caller adds caller information to the log entry.
func (l *Logger) Caller() *Logger {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return l
	}
	return &Logger{
		Logger: l.Logger.With("caller", slog.GroupValue(
			slog.String("file", file),
			slog.Int("line", line),
		)),
	}
}
