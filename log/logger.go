// Package log provides a small structured logging abstraction over log/slog.
//
// Components accept a Logger rather than a concrete type so tests can inject
// NewNoopLogger() and production code can inject a configured slog-backed
// logger without either side depending on slog directly.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is the minimum severity a Logger will emit.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case ErrorLevel:
		return "error"
	default:
		return "info"
	}
}

// Logger is the logging contract used throughout the client.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Debugf(format string, args ...any)
	Info(msg string, keysAndValues ...any)
	Infof(format string, args ...any)
	Error(msg string, keysAndValues ...any)
	Errorf(format string, args ...any)
	With(keysAndValues ...any) Logger
}

func parseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "dbg":
		return DebugLevel
	case "error", "err":
		return ErrorLevel
	case "info", "inf":
		return InfoLevel
	default:
		return InfoLevel
	}
}

func toSlogLevel(l LogLevel) slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case ErrorLevel:
		return slog.LevelError
	case InfoLevel:
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// slogLogger is a Logger backed by log/slog, gated by an explicit LogLevel so
// Debug calls can be skipped without slog's own handler-level filtering
// getting in the way of With()-derived child loggers.
type slogLogger struct {
	logger   *slog.Logger
	logLevel LogLevel
}

// NewLogger returns a Logger that writes text-formatted records to stderr at
// the given level ("debug", "info", or "error"; unrecognized values fall
// back to "info").
func NewLogger(level string) Logger {
	lvl := parseLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: toSlogLevel(lvl),
	})
	return &slogLogger{
		logger:   slog.New(handler),
		logLevel: lvl,
	}
}

func (l *slogLogger) Debug(msg string, keysAndValues ...any) {
	if l.logLevel > DebugLevel {
		return
	}
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogLogger) Debugf(format string, args ...any) {
	if l.logLevel > DebugLevel {
		return
	}
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(msg string, keysAndValues ...any) {
	if l.logLevel > InfoLevel {
		return
	}
	l.logger.Info(msg, keysAndValues...)
}

func (l *slogLogger) Infof(format string, args ...any) {
	if l.logLevel > InfoLevel {
		return
	}
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *slogLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogLogger) With(keysAndValues ...any) Logger {
	return &slogLogger{
		logger:   l.logger.With(keysAndValues...),
		logLevel: l.logLevel,
	}
}

// noopLogger discards everything. Used as the default when a caller does not
// supply a Logger, and in tests that don't care about log output.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards all records.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) Debug(string, ...any)  {}
func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Info(string, ...any)   {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Error(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
func (l noopLogger) With(...any) Logger  { return l }

var _ Logger = (*slogLogger)(nil)
var _ Logger = noopLogger{}
