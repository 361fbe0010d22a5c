package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	assert.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())

	assert.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.DebugLevel, Level())

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestInitLogger(t *testing.T) {
	defer SetLevel("info")

	assert.NoError(t, InitLogger("warn"))
	assert.NotNil(t, Logger)
	assert.Equal(t, zapcore.WarnLevel, Level())
	assert.False(t, Logger.Core().Enabled(zapcore.InfoLevel))
}
