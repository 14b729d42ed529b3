package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewParsesLevel(t *testing.T) {
	logger, err := New("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud")
	assert.Error(t, err)
}

func TestConsoleQuietByDefault(t *testing.T) {
	assert.False(t, Console(false).Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Console(true).Core().Enabled(zapcore.DebugLevel))
}
