// Package logrusadapter adapts logrus to tokengate.Logger.
package logrusadapter

import (
	"github.com/sirupsen/logrus"
)

// Logger writes through a logrus entry carrying component=tokengate.
type Logger struct {
	entry *logrus.Entry
}

// New wraps l. A nil l uses logrus.StandardLogger().
func New(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{entry: l.WithField("component", "tokengate")}
}

// WithFields returns a logger that adds fields to every entry.
//
// Example:
//
//	lg := logrusadapter.New(nil).WithFields(logrus.Fields{"service": "billing"})
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}
