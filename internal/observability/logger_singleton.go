package observability

import (
	"os"
	"sync"
)

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// DefaultLogger returns a process-wide Logger, built on first use from
// LOG_LEVEL/LOG_FORMAT so package-internal helpers that don't own a
// request-scoped logger (e.g. the tool executor's timeout-discard path)
// still log through the redacting, context-correlated Logger rather than
// falling back to bare slog.
func DefaultLogger() *Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger(LogConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		})
	})
	return defaultLogger
}
