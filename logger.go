package svcregistry

import (
	"log/slog"
)

// Logger defines the interface for service context logging.
// Structured key-value pairs are used so output stays parseable
// regardless of the backing implementation:
//
//	logger.Info("Service published", "contract", "greeting.Greeting", "id", 3)
//
// The method set matches log/slog, so a *slog.Logger can be adapted with
// NewSlogLogger.
type Logger interface {
	// Info logs normal events such as publish, unregister and tracker open.
	Info(msg string, args ...any)

	// Error logs failures that were handled, such as a panicking callback.
	Error(msg string, args ...any)

	// Warn logs unusual but harmless conditions.
	Warn(msg string, args ...any)

	// Debug logs per-event diagnostics.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }
