package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")

	logger, err := New(Config{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	logger.Named("relay").Info("session created")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"logger":"relay"`)
	require.Contains(t, string(data), "session created")
}

func TestNew_RejectsBadSettings(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)

	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestNew_LevelFilters(t *testing.T) {
	logger, err := New(Config{Level: "warn", Format: "console"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(-1))
	require.True(t, logger.Core().Enabled(1))
}
