package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for file output (CLI and daemon)
const (
	maxSizeMB   = 1  // 1MB per file
	maxAgeDays  = 14 // Keep 2 weeks
	maxBackups  = 20 // Max old log files (safety limit)
	compressOld = true
)

var log *slog.Logger
var logLevel = new(slog.LevelVar)
var rotator *lumberjack.Logger

func init() {
	// Supports: debug, info, warn, error (case-insensitive)
	logLevel.Set(ParseLevel(os.Getenv("LOG_LEVEL")))
	setWriter(os.Stdout)
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func setWriter(w io.Writer) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	log = slog.New(handler)

	// Set as default so any code using slog directly gets JSON output
	slog.SetDefault(log)
}

// SetFileOutput sends all log output to a size-rotated file instead of stdout.
// The CLI uses this so log lines never interleave with user-facing output.
func SetFileOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	Close()
	rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   compressOld,
	}
	setWriter(rotator)
	return nil
}

// Close releases the rotating log file, if one is open
func Close() {
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}

// SetLevel changes the minimum level at runtime
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return logLevel.Level() == slog.LevelDebug
}

// SetDebugForTest enables or disables debug mode for testing purposes.
// Returns a cleanup function that restores the original state.
func SetDebugForTest(enabled bool) func() {
	original := logLevel.Level()
	if enabled {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}
	return func() {
		logLevel.Set(original)
	}
}

// Debug logs a debug message with structured fields
func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

// Info logs an informational message with structured fields
func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

// Warn logs a warning message with structured fields
func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

// Error logs an error message with structured fields
func Error(msg string, args ...any) {
	log.Error(msg, args...)
}

// Fatal logs an error message and exits with status 1
func Fatal(msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}

// SetOutputForTest redirects log output to a custom writer for testing.
// Returns a cleanup function that restores the original output.
func SetOutputForTest(w io.Writer) func() {
	originalHandler := log.Handler()
	setWriter(w)
	return func() {
		log = slog.New(originalHandler)
		slog.SetDefault(log)
	}
}
