// Package stdlogadapter adapts a standard library *log.Logger to tokengate.Logger.
package stdlogadapter

import (
	"log"
)

// Logger writes tokengate messages through a *log.Logger, tagging each line
// with its level. Debug lines are dropped unless Verbose is set.
type Logger struct {
	out     *log.Logger
	verbose bool
}

// New wraps l. A nil l uses log.Default().
//
// Example:
//
//	gate := tokengate.NewConsumptionGate(st, tokengate.WithLogger(stdlogadapter.New(nil, true)))
func New(l *log.Logger, verbose bool) *Logger {
	if l == nil {
		l = log.Default()
	}
	return &Logger{out: l, verbose: verbose}
}

func (s *Logger) Debugf(format string, args ...interface{}) {
	if !s.verbose {
		return
	}
	s.out.Printf("tokengate [DEBUG] "+format, args...)
}

func (s *Logger) Errorf(format string, args ...interface{}) {
	s.out.Printf("tokengate [ERROR] "+format, args...)
}
