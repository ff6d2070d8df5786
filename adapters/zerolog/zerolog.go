// Package zerologadapter adapts zerolog to tokengate.Logger.
package zerologadapter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger writes through a zerolog.Logger with component=tokengate.
type Logger struct {
	zl zerolog.Logger
}

// New wraps l. A nil l uses the global zerolog logger.
func New(l *zerolog.Logger) *Logger {
	if l == nil {
		l = &log.Logger
	}
	return &Logger{zl: l.With().Str("component", "tokengate").Logger()}
}

func (z *Logger) Debugf(format string, args ...interface{}) {
	z.zl.Debug().Msgf(format, args...)
}

func (z *Logger) Errorf(format string, args ...interface{}) {
	z.zl.Error().Msgf(format, args...)
}
