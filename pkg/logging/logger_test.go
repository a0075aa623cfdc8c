package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cleannet/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"stdout text", config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}, false},
		{"stderr json", config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"}, false},
		{"unknown output", config.LoggingConfig{Level: "info", Format: "text", Output: "syslog"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.Equal(t, "info", logger.cfg.Level)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.WithComponent("forwarder").WithFields(map[string]any{"upstream": "8.8.8.8:53"}).
		Info("Upstream query failed", "attempt", 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Upstream query failed", record["msg"])
	assert.Equal(t, "forwarder", record["component"])
	assert.Equal(t, "8.8.8.8:53", record["upstream"])
	assert.Equal(t, float64(1), record["attempt"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cleannet.log")
	logger, err := New(&config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePath: path})
	require.NoError(t, err)

	logger.Info("written to file", "domain", "example.com")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "domain=example.com"))
}

func TestGlobalLogger(t *testing.T) {
	previous := Global()
	defer SetGlobal(previous)

	var buf bytes.Buffer
	SetGlobal(newWithWriter(&config.LoggingConfig{Level: "debug", Format: "text"}, &buf))

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	for _, msg := range []string{"debug message", "info message", "warn message", "error message"} {
		assert.Contains(t, out, msg)
	}
}

func TestNewDiscard(t *testing.T) {
	logger := NewDiscard()
	logger.Error("nothing to see")
}
