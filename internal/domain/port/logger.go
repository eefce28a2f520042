package port

import "github.com/portrelay/portrelay/internal/domain/model"

// Logger is an interface for logging
type Logger interface {
	// Debug logs a debug message
	Debug(format string, args ...interface{})

	// Info logs an informational message
	Info(format string, args ...interface{})

	// Warn logs a warning message
	Warn(format string, args ...interface{})

	// Error logs an error message
	Error(format string, args ...interface{})

	// SetLevel changes the logging level
	SetLevel(level string)

	// Close closes the logger
	Close() error
}

// LogHistory exposes the retained log lines and a live feed of new ones
type LogHistory interface {
	// History returns the retained entries, oldest first
	History() []model.LogEntry

	// AddListener registers fn for every new entry and returns its removal func
	AddListener(fn func(model.LogEntry)) func()
}
