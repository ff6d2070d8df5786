// Package zapadapter adapts zap to tokengate.Logger.
package zapadapter

import (
	"go.uber.org/zap"
)

// Logger writes through a zap.SugaredLogger named "tokengate".
type Logger struct {
	sugar *zap.SugaredLogger
}

// New wraps l. A nil l discards everything.
//
// Example:
//
//	zl, _ := zap.NewProduction()
//	gate := tokengate.NewCountingGate(st, tokengate.WithLogger(zapadapter.New(zl)))
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.Named("tokengate").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *Logger) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

func (z *Logger) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

// Sync flushes buffered entries.
func (z *Logger) Sync() error {
	return z.sugar.Sync()
}
