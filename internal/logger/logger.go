// Package logger provides level-gated logging for the proxy.
//
// All output goes to stderr by default: stdout belongs to the JSON-RPC
// stream and must never receive log lines. Each entry is a single line with
// fixed-width columns:
//
//	2006-01-02 15:04:05.000 | MODULE   | action               | LEVEL | message
//
// Levels (lowest to highest): debug, info, warn, error. Entries below the
// configured minimum are dropped.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger writes structured log lines for a single module.
// Safe for concurrent use.
type Logger struct {
	module string
	level  Level

	mu  sync.Mutex
	out io.Writer
}

// New creates a Logger for the given module, gated at the given level
// string, writing to stderr. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return NewWithWriter(module, levelStr, os.Stderr)
}

// NewWithWriter is New with an explicit destination, used in tests.
func NewWithWriter(module, levelStr string, out io.Writer) *Logger {
	return &Logger{
		module: strings.ToUpper(module),
		level:  ParseLevel(levelStr),
		out:    out,
	}
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.write(LevelDebug, "DEBUG", action, format, args...)
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.write(LevelInfo, "INFO ", action, format, args...)
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.write(LevelWarn, "WARN ", action, format, args...)
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.write(LevelError, "ERROR", action, format, args...)
}

func (l *Logger) write(level Level, label, action, format string, args ...any) {
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s | %-8s | %-20s | %s | %s\n", ts, l.module, action, label, msg)

	l.mu.Lock()
	l.out.Write([]byte(line)) //nolint:errcheck // logging is best-effort
	l.mu.Unlock()
}

// ParseLevel converts a string to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
