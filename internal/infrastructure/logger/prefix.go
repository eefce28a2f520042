package logger

import (
	"fmt"

	"github.com/portrelay/portrelay/internal/domain/port"
)

// prefixLogger prepends a fixed scope to every message, like "service[ssh]>"
type prefixLogger struct {
	port.Logger
	prefix string
}

// WithPrefix scopes l's messages under prefix. Prefixes nest.
func WithPrefix(l port.Logger, prefix string) port.Logger {
	if l == nil {
		return Discard
	}
	if p, ok := l.(*prefixLogger); ok {
		return &prefixLogger{Logger: p.Logger, prefix: p.prefix + " " + prefix}
	}
	return &prefixLogger{Logger: l, prefix: prefix}
}

func (l *prefixLogger) Debug(format string, args ...interface{}) {
	l.Logger.Debug("%s %s", l.prefix, sprintf(format, args))
}

func (l *prefixLogger) Info(format string, args ...interface{}) {
	l.Logger.Info("%s %s", l.prefix, sprintf(format, args))
}

func (l *prefixLogger) Warn(format string, args ...interface{}) {
	l.Logger.Warn("%s %s", l.prefix, sprintf(format, args))
}

func (l *prefixLogger) Error(format string, args ...interface{}) {
	l.Logger.Error("%s %s", l.prefix, sprintf(format, args))
}

func sprintf(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Discard is a logger that drops everything
var Discard port.Logger = discard{}

type discard struct{}

func (discard) Debug(string, ...interface{}) {}
func (discard) Info(string, ...interface{})  {}
func (discard) Warn(string, ...interface{})  {}
func (discard) Error(string, ...interface{}) {}
func (discard) SetLevel(string)              {}
func (discard) Close() error                 { return nil }
