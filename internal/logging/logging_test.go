package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesJSONToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "freshcheck.log")

	logger, err := Init(logPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close() })

	logger.Info("epoch complete", zap.Int("epoch", 3))
	logger.Debug("hidden at info level")
	zap.L().Warn("via global")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"msg":"epoch complete"`)
	assert.Contains(t, content, `"epoch":3`)
	assert.Contains(t, content, "via global")
	assert.NotContains(t, content, "hidden at info level")
}

func TestInitDebugLevel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := Init(logPath, true)
	require.NoError(t, err)
	logger.Debug("visible")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "visible")
}

func TestCloseWithoutFile(t *testing.T) {
	_, err := Init("", false)
	require.NoError(t, err)
	assert.NoError(t, Close())
}
