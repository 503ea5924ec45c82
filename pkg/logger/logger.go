// Package logger provides the structured logger shared by every Charachat
// component. It is a thin layer over logrus that pins a component field on
// each entry and centralises level/format configuration.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer
}

// Logger is a component-scoped logrus entry.
type Logger struct {
	*logrus.Entry
}

// New builds a root logger from configuration.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	return &Logger{Entry: logrus.NewEntry(base)}
}

// NewDefault returns an info-level text logger tagged with component.
func NewDefault(component string) *Logger {
	return New(LoggingConfig{Level: "info"}).Named(component)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(LoggingConfig{Level: "panic", Output: io.Discard})
}

// Named returns a child logger with the component field set.
func (l *Logger) Named(component string) *Logger {
	if component == "" {
		return l
	}
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

type traceKey struct{}

// NewTraceID returns a fresh request trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id on ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id carried by ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// FromContext returns a child logger carrying the request's trace id.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	if id := TraceID(ctx); id != "" {
		return &Logger{Entry: l.Entry.WithField("trace_id", id)}
	}
	return l
}
