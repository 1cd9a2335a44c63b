// Package logger wraps log/slog with the attributes reel's logs are keyed
// by: request, job and worker slot.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

type scopeKey struct{}

// scope is the correlation data carried on a context. It is copied on every
// change so contexts never share a mutable value.
type scope struct {
	requestID string
	jobID     string
	slot      int
	hasSlot   bool
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

// Logger wraps slog.Logger with job-aware helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer
	// AddSource adds source file and line to logs.
	AddSource bool
	// ServiceName is added to every record as "service".
	ServiceName string
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewDefault logs JSON at info level to stderr. It is for code running
// before configuration is loaded.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "json", Output: os.Stderr, ServiceName: "reel"})
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.with(slog.String("request_id", requestID))
}

func (l *Logger) WithJobID(jobID string) *Logger {
	return l.with(slog.String("job_id", jobID))
}

// WithSlot tags records with a worker slot index.
func (l *Logger) WithSlot(slot int) *Logger {
	return l.with(slog.Int("slot", slot))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.with(slog.String("component", component))
}

// WithError returns l unchanged for a nil error.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// FromContext adds the request, job and slot carried by ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	s := scopeFrom(ctx)
	var attrs []any
	if s.requestID != "" {
		attrs = append(attrs, slog.String("request_id", s.requestID))
	}
	if s.jobID != "" {
		attrs = append(attrs, slog.String("job_id", s.jobID))
	}
	if s.hasSlot {
		attrs = append(attrs, slog.Int("slot", s.slot))
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// LogError logs err with the caller's file and line.
func (l *Logger) LogError(ctx context.Context, msg string, err error, args ...any) {
	if err == nil {
		return
	}

	if _, file, line, ok := runtime.Caller(1); ok {
		args = append(args, "source", slog.GroupValue(
			slog.String("file", file),
			slog.Int("line", line),
		))
	}

	args = append(args, "error", err.Error())
	l.FromContext(ctx).Error(msg, args...)
}

// LogFatal logs a fatal error and exits.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	s := scopeFrom(ctx)
	s.requestID = requestID
	return context.WithValue(ctx, scopeKey{}, s)
}

func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	s := scopeFrom(ctx)
	s.jobID = jobID
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithSlot records the worker slot running the job.
func ContextWithSlot(ctx context.Context, slot int) context.Context {
	s := scopeFrom(ctx)
	s.slot, s.hasSlot = slot, true
	return context.WithValue(ctx, scopeKey{}, s)
}

// RequestIDFromContext returns the request ID set by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// JobIDFromContext returns the job ID set by ContextWithJobID.
func JobIDFromContext(ctx context.Context) string {
	return scopeFrom(ctx).jobID
}

// parseLevel accepts slog level names ("warn", "error+2") plus "warning".
// Anything else is info.
func parseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lv
}
