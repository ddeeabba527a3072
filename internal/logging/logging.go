// Package logging provides the structured logger every traversal component
// logs through. Fields follow stage/attempt/error-kind conventions so a
// traversal's whole lifecycle can be grepped out of a shared log stream.
package logging

import (
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	baseOnce sync.Once
	base     *logrus.Logger
)

func rootLogger() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the verbosity of every component logger.
func SetLevel(level logrus.Level) {
	rootLogger().SetLevel(level)
}

// Logger is a per-component logging helper.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger scoped to the named component, e.g. "probe" or
// "signaling".
func New(component string) *Logger {
	return &Logger{entry: rootLogger().WithField("component", component)}
}

// WithField returns a derived logger carrying an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived logger carrying every field in fields, e.g.
// the output of StageFields.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError returns a derived logger carrying the given error.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// StageFields builds the common fields logged at every state transition.
func StageFields(stage string, attempt int) logrus.Fields {
	return logrus.Fields{"stage": stage, "attempt": attempt}
}

func (l *Logger) Trace(args ...interface{}) { l.entry.Trace(args...) }
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// SecurePreview renders a byte slice safe for logging: an 8-hex-character
// prefix plus its total length, never the full secret.
func SecurePreview(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	n := len(data)
	if n > 4 {
		n = 4
	}
	return hex.EncodeToString(data[:n]) + "..." + "(" + strconv.Itoa(len(data)) + " bytes)"
}
