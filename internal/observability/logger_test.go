package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/swarmwatch/internal/config"
)

// -- Test Helper Functions --

// setupTestLogger initializes the global logger to write to a buffer for testing.
func setupTestLogger(cfg config.LoggerConfig) *bytes.Buffer {
	buf := new(bytes.Buffer)
	initializeLogger(cfg, zapcore.AddSync(buf))
	return buf
}

// resetGlobalLogger restores the singleton between cases.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

// -- Test Cases --

func TestInitializeLogger(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "swarmwatch",
			Colors:      config.ColorConfig{Warn: "yellow"},
		})

		GetLogger().Warn("Window capacity exceeded.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "WARN")
		assert.Contains(t, output, "Window capacity exceeded.")
		assert.Contains(t, output, colorYellow, "Warn level should be colorized yellow")
		assert.Contains(t, output, colorReset)
	})

	t.Run("should leave levels without a palette entry uncolored", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{Level: "info", Format: "console"})

		GetLogger().Info("Tick committed.")
		Sync()

		assert.Contains(t, buf.String(), "INFO")
		assert.NotContains(t, buf.String(), colorReset)
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		resetGlobalLogger()
		buf := setupTestLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})

		GetLogger().Warn("Detector skipped.", zap.String("detector", "sock_puppet"))
		Sync()

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "Detector skipped.", logEntry["msg"])
		assert.Equal(t, "sock_puppet", logEntry["detector"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		resetGlobalLogger()
		path := filepath.Join(t.TempDir(), "swarmwatch.log")

		InitializeLogger(config.LoggerConfig{Level: "debug", Format: "json", LogFile: path, MaxSize: 1})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		resetGlobalLogger()
		buf1 := setupTestLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "First"})
		logger1 := GetLogger()

		buf2 := setupTestLogger(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "Second"})
		logger2 := GetLogger()

		assert.Equal(t, logger1, logger2)
		logger2.Info("test message")
		Sync()

		assert.Contains(t, buf1.String(), "First")
		assert.Contains(t, buf1.String(), "test message")
		assert.NotContains(t, buf1.String(), "Second")
		assert.Empty(t, buf2.String())
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		resetGlobalLogger()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		resetGlobalLogger()
		setupTestLogger(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Equal(t, globalLogger.Load(), GetLogger())
	})
}
