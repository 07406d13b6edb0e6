// Package log provides structured logging for the work ledger services.
// It wraps the standard library's slog package with ledger-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// Context keys picked up by WithContext.
const (
	RequestIDKey  contextKey = "request_id"
	EnvelopeIDKey contextKey = "envelope_id"
)

// Logger wraps slog.Logger with service context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the service name the logger was created with
func (l *Logger) Service() string { return l.service }

// WithContext returns a logger carrying request and envelope ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if id := ctx.Value(RequestIDKey); id != nil {
		logger = logger.With(string(RequestIDKey), id)
	}
	if id := ctx.Value(EnvelopeIDKey); id != nil {
		logger = logger.With(string(EnvelopeIDKey), id)
	}
	return l.derive(logger)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithNode returns a logger tagged with a node identity
func (l *Logger) WithNode(identity string) *Logger {
	return l.WithFields("node_identity", identity)
}

// WithInstruction returns a logger tagged with an instruction name and envelope id
func (l *Logger) WithInstruction(name, envelopeID string) *Logger {
	return l.WithFields("instruction", name, "envelope_id", envelopeID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs instructions processed per second
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	if duration <= 0 {
		return
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", float64(count)/(float64(duration)/1e9),
	)
}

// LogRegistration logs a node registration
func (l *Logger) LogRegistration(identity, authority string) {
	l.Info("node registered",
		"node_identity", identity,
		"authority", authority,
	)
}

// LogSubmission logs a task submission outcome
func (l *Logger) LogSubmission(identity, taskHash string, rewardUnits uint64, status string) {
	l.Info("task submission",
		"node_identity", identity,
		"task_hash", taskHash,
		"reward_units", rewardUnits,
		"status", status,
	)
}

// LogClaim logs a reward claim and the balance left pending
func (l *Logger) LogClaim(identity string, amount, pending uint64) {
	l.Info("reward claimed",
		"node_identity", identity,
		"amount", amount,
		"pending_reward_units", pending,
	)
}
