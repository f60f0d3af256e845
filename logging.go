// SPDX-License-Identifier: MIT

package vnc

import (
	"fmt"
	"log"
	"os"

	"github.com/golang/glog"
)

// Field represents a structured logging field with a key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging throughout the library.
type Logger interface {
	// Debug logs debug-level messages with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs info-level messages with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs warning-level messages with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs error-level messages with optional structured fields.
	Error(msg string, fields ...Field)
}

// NoOpLogger is a Logger implementation that discards all log messages.
type NoOpLogger struct{}

// Debug discards debug-level log messages.
func (l *NoOpLogger) Debug(msg string, fields ...Field) {}

// Info discards info-level log messages.
func (l *NoOpLogger) Info(msg string, fields ...Field) {}

// Warn discards warning-level log messages.
func (l *NoOpLogger) Warn(msg string, fields ...Field) {}

// Error discards error-level log messages.
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// StandardLogger wraps Go's standard log package to implement the Logger interface.
type StandardLogger struct {
	// Logger is the underlying standard library logger.
	Logger *log.Logger
}

func (l *StandardLogger) ensureLogger() *log.Logger {
	if l.Logger == nil {
		l.Logger = log.New(os.Stderr, "vnc: ", log.LstdFlags)
	}
	return l.Logger
}

func formatFields(msg string, fields []Field) string {
	for _, field := range fields {
		switch v := field.Value.(type) {
		case string:
			msg += fmt.Sprintf(" %s=%q", field.Key, v)
		case error:
			msg += fmt.Sprintf(" %s=%q", field.Key, v.Error())
		default:
			msg += fmt.Sprintf(" %s=%v", field.Key, v)
		}
	}
	return msg
}

// Debug logs a debug-level message with structured fields.
func (l *StandardLogger) Debug(msg string, fields ...Field) {
	l.ensureLogger().Print(formatFields("[DEBUG] "+msg, fields))
}

// Info logs an info-level message with structured fields.
func (l *StandardLogger) Info(msg string, fields ...Field) {
	l.ensureLogger().Print(formatFields("[INFO] "+msg, fields))
}

// Warn logs a warning-level message with structured fields.
func (l *StandardLogger) Warn(msg string, fields ...Field) {
	l.ensureLogger().Print(formatFields("[WARN] "+msg, fields))
}

// Error logs an error-level message with structured fields.
func (l *StandardLogger) Error(msg string, fields ...Field) {
	l.ensureLogger().Print(formatFields("[ERROR] "+msg, fields))
}

// GlogLogger implements Logger on top of github.com/golang/glog.
// Debug messages are emitted at verbosity level 2 so that protocol
// traffic can be enabled with -v=2 without flooding normal runs.
type GlogLogger struct{}

// Debug logs a debug-level message when verbosity is 2 or higher.
func (l *GlogLogger) Debug(msg string, fields ...Field) {
	if glog.V(2) {
		glog.Info(formatFields(msg, fields))
	}
}

// Info logs an info-level message.
func (l *GlogLogger) Info(msg string, fields ...Field) {
	glog.Info(formatFields(msg, fields))
}

// Warn logs a warning-level message.
func (l *GlogLogger) Warn(msg string, fields ...Field) {
	glog.Warning(formatFields(msg, fields))
}

// Error logs an error-level message.
func (l *GlogLogger) Error(msg string, fields ...Field) {
	glog.Error(formatFields(msg, fields))
}
