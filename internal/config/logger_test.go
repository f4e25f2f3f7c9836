package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		optsLevel string
		envLevel  string
		debug     bool
		info      bool
	}{
		{"configured debug", "debug", "", true, true},
		{"configured warn", "warn", "", false, false},
		{"env overrides config", "warn", "debug", true, true},
		{"invalid falls back to info", "loud", "", false, true},
		{"empty is info", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.envLevel)
			Logger = nil

			require.NoError(t, InitLogger(LogOptions{Level: tt.optsLevel}))
			require.NotNil(t, Logger)
			assert.Equal(t, tt.debug, Logger.Core().Enabled(zapcore.DebugLevel))
			assert.Equal(t, tt.info, Logger.Core().Enabled(zapcore.InfoLevel))
			assert.Same(t, Logger, zap.L())
		})
	}
}

func TestGetLogger_FallsBackWhenUninitialized(t *testing.T) {
	Logger = nil
	assert.NotNil(t, GetLogger())

	require.NoError(t, InitLogger(LogOptions{}))
	assert.Same(t, Logger, GetLogger())
}

func TestSync_NilLogger(t *testing.T) {
	Logger = nil
	assert.NoError(t, Sync())
}

func TestInitLogger_TeesToRotatedFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	Logger = nil
	path := filepath.Join(t.TempDir(), "node.log")

	require.NoError(t, InitLogger(LogOptions{Level: "info", File: path}))
	Logger.Info("written to file", zap.String("node_id", "1"))
	Logger.Debug("below level")
	_ = Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
	assert.Contains(t, string(data), `"node_id":"1"`)
	assert.Contains(t, string(data), `"timestamp"`)
	assert.NotContains(t, string(data), "below level")
}
