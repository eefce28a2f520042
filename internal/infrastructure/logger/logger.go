package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
)

// DefaultHistorySize is the number of log entries kept when none is configured
const DefaultHistorySize = 512

// Level defines the logging level
type Level int

const (
	// LevelDebug is the level for debug messages
	LevelDebug Level = iota
	// LevelInfo is the level for informational messages
	LevelInfo
	// LevelWarn is the level for warning messages
	LevelWarn
	// LevelError is the level for error messages
	LevelError
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logLevel() model.LogLevel {
	switch l {
	case LevelDebug:
		return model.LogLevelDebug
	case LevelWarn:
		return model.LogLevelWarn
	case LevelError:
		return model.LogLevelError
	default:
		return model.LogLevelInfo
	}
}

// ParseLevel converts a string to Level
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is an implementation of port.Logger that also keeps a bounded
// history of what it logged and feeds new entries to listeners
type Logger struct {
	logger *log.Logger
	writer io.Writer

	mu         sync.Mutex
	level      Level
	history    []model.LogEntry
	maxHistory int
	listeners  map[int]func(model.LogEntry)
	nextID     int
}

// NewLogger creates a new Logger instance
func NewLogger(writer io.Writer, level string) *Logger {
	return &Logger{
		logger:     log.New(writer, "", 0),
		level:      ParseLevel(level),
		writer:     writer,
		maxHistory: DefaultHistorySize,
		listeners:  make(map[int]func(model.LogEntry)),
	}
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	l.level = ParseLevel(level)
	l.mu.Unlock()
}

// SetHistorySize changes how many entries History keeps
func (l *Logger) SetHistorySize(size int) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxHistory = size
	if len(l.history) > size {
		l.history = append([]model.LogEntry(nil), l.history[len(l.history)-size:]...)
	}
}

// log records a message with a specific level
func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}

	now := time.Now()

	var message string
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	} else {
		message = format
	}

	entry := model.LogEntry{Level: level.logLevel(), Message: message, Time: now}
	l.history = append(l.history, entry)
	if len(l.history) > l.maxHistory {
		l.history = l.history[len(l.history)-l.maxHistory:]
	}

	listeners := make([]func(model.LogEntry), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	l.logger.Printf("[%s] %s %s", now.Format("2006-01-02 15:04:05.000"), level.String(), message)

	for _, fn := range listeners {
		fn(entry)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// History returns the retained entries, oldest first
func (l *Logger) History() []model.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.LogEntry(nil), l.history...)
}

// AddListener registers fn for every new entry. Listeners run on the logging
// goroutine and must not block.
func (l *Logger) AddListener(fn func(model.LogEntry)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Close closes the writer if it implements io.Closer. The standard streams
// are left open.
func (l *Logger) Close() error {
	if l.writer == os.Stdout || l.writer == os.Stderr {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// NewFileLogger creates a logger that writes to a file
func NewFileLogger(filePath string, level string) (*Logger, error) {
	file, err := openLogFile(filePath)
	if err != nil {
		return nil, err
	}
	return NewLogger(file, level), nil
}

// NewTeeLogger creates a logger that writes to console and, when filePath is
// set, to a file as well
func NewTeeLogger(console io.Writer, filePath string, level string) (*Logger, error) {
	if filePath == "" {
		return NewLogger(console, level), nil
	}
	file, err := openLogFile(filePath)
	if err != nil {
		return nil, err
	}
	return NewLogger(&teeWriter{Writer: io.MultiWriter(console, file), file: file}, level), nil
}

func openLogFile(filePath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}
	return file, nil
}

type teeWriter struct {
	io.Writer
	file *os.File
}

func (w *teeWriter) Close() error {
	return w.file.Close()
}

// Ensure Logger implements port.Logger and port.LogHistory
var (
	_ port.Logger     = (*Logger)(nil)
	_ port.LogHistory = (*Logger)(nil)
)
