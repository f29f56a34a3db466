package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerSafeBeforeInitialize(t *testing.T) {
	// The package-level nop logger must accept calls without panicking.
	require.NotNil(t, Logger)
	Logger.Infow("pre-init log line", "key", "value")
}

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	require.NotNil(t, Logger)
	Logger.Debugw("json logger ready")
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	Named("test").Infow("console logger ready", "subsystem", "logger")
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOOM_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", levelFromEnv().String())

	t.Setenv("LOOM_LOG_LEVEL", "nonsense")
	assert.Equal(t, "info", levelFromEnv().String())
}
