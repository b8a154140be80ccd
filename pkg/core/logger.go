// Package core holds the small cross-cutting pieces every reconx component
// shares: the Logger contract and the config Validator.
package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for logging in reconx.
// Components take a Logger at construction; the CLI wires a LogrusLogger.
type Logger interface {
	// Debug logs a debug message
	Debug(format string, args ...interface{})

	// Info logs an info message
	Info(format string, args ...interface{})

	// Warn logs a warning message
	Warn(format string, args ...interface{})

	// Error logs an error message
	Error(format string, args ...interface{})
}

// NopLogger is a no-op logger that discards all messages.
type NopLogger struct{}

func (l *NopLogger) Debug(format string, args ...interface{}) {}
func (l *NopLogger) Info(format string, args ...interface{})  {}
func (l *NopLogger) Warn(format string, args ...interface{})  {}
func (l *NopLogger) Error(format string, args ...interface{}) {}

// LogrusLogger adapts a logrus entry to Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps a logrus logger.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// With returns a logger that attaches key=value to every entry.
func (l *LogrusLogger) With(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

// Component returns a logger tagged with the component name.
func (l *LogrusLogger) Component(name string) *LogrusLogger {
	return l.With("component", name)
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// LogOptions configures NewLogger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional; entries are tee'd to stderr and this file
	Output io.Writer
}

// NewLogger builds a logrus-backed logger. The returned closer releases the
// log file, if any.
func NewLogger(opts LogOptions) (*LogrusLogger, io.Closer, error) {
	l := logrus.New()

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}
	l.SetLevel(lvl)

	switch opts.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f
	}
	l.SetOutput(out)

	return NewLogrusLogger(l), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Ensure implementations satisfy the interface
var (
	_ Logger = (*NopLogger)(nil)
	_ Logger = (*LogrusLogger)(nil)
)
