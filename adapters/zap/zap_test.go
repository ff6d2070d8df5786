package zapadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debugf("token not found, token=%s", "abcd****")
	l.Errorf("store error: %v", "timeout")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "token not found, token=abcd****", entries[0].Message)
	assert.Equal(t, "tokengate", entries[0].LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "store error: timeout", entries[1].Message)
}

func TestLogger_Nil(t *testing.T) {
	l := New(nil)
	assert.NotPanics(t, func() {
		l.Debugf("x")
		l.Errorf("y")
	})
}
