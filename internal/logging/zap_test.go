package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewConsoleLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewVerboseJSONLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Verbose: true, JSON: true})
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
