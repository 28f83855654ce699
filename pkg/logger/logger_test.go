package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := New(Config{Level: "debug", Encoding: "json", OutputPath: path, Service: "narrative-server"})
	require.NoError(t, err)
	log.Debug("turn committed", zap.Int64("sequence", 7))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"turn committed"`)
	assert.Contains(t, string(data), `"level":"DEBUG"`)
	assert.Contains(t, string(data), `"sequence":7`)
	assert.Contains(t, string(data), `"service":"narrative-server"`)
	assert.Contains(t, string(data), `"caller":"logger/logger_test.go:`)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := New(Config{Level: "loud", OutputPath: path})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("visible")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
	assert.NotContains(t, string(data), `"caller"`)
	assert.NotContains(t, string(data), `"service"`)
}
