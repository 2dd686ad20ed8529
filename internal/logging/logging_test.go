package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_WritesToLogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "escale.log")

	cleanup, err := Setup(Options{LogFile: logFile, Level: slog.LevelInfo})
	require.NoError(t, err)
	defer cleanup()

	slog.Info("hello", "path", "docs/a.txt")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "docs/a.txt")
}

func TestSetup_NoLogFile(t *testing.T) {
	cleanup, err := Setup(Options{Level: slog.LevelInfo})
	require.NoError(t, err)
	defer cleanup()
	slog.Info("stdout only")
}
