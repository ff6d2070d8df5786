// Package slogadapter adapts log/slog to tokengate.Logger.
package slogadapter

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger forwards tokengate messages to a *slog.Logger with a component attribute.
type Logger struct {
	l *slog.Logger
}

// New wraps l. A nil l uses slog.Default().
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l.With(slog.String("component", "tokengate"))}
}

// Debugf formats lazily: nothing is rendered when debug is disabled.
func (s *Logger) Debugf(format string, args ...interface{}) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, slog.LevelDebug) {
		return
	}
	s.l.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func (s *Logger) Errorf(format string, args ...interface{}) {
	s.l.ErrorContext(context.Background(), fmt.Sprintf(format, args...))
}
