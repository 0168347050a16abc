// Package xlog is a thin facade over github.com/sirupsen/logrus, exposing
// the small Infof/Warningf/Debugf/Fatalf shape components call through
// rather than reaching for the package-level logger directly. Fatal
// paths log a structured fatal record and then panic, never os.Exit,
// since this is a library the CLI embeds rather than a standalone
// process.
package xlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the facade this package exposes; cmd/xbtcore constructs one
// per run and components take a *Logger (or a *logrus.Entry directly,
// where that's more convenient) rather than reaching for the package
// logger.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger writing through base, a component tag attached to
// every line it emits.
func New(base *logrus.Logger, component string) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{entry: base.WithField("component", component)}
}

// WithField returns a Logger carrying an additional structured field,
// without mutating the receiver.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warningf logs at warn level.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Fatalf logs a fatal record and panics, matching the source's
// ERROR_AND_DIE_FMT-then-abort pattern rather than terminating the
// process outright.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.entry.Error(msg)
	panic(msg)
}

// Entry returns the underlying logrus entry, for callers (like
// components already written against *logrus.Entry) that want direct
// access.
func (l *Logger) Entry() *logrus.Entry { return l.entry }
