package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/control"
)

func TestConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := control.DefaultConfig().Log
	cfg.Level = "warn"
	log, cleanup, err := NewWithConsole(cfg, &buf)
	require.NoError(t, err)
	defer cleanup()

	log.Info("hidden")
	log.Warn("shown", zap.String("k", "v"))
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "WARN")
}

func TestFileCoreWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "client.log")
	cfg := control.DefaultConfig().Log
	cfg.File = path
	log, cleanup, err := NewWithConsole(cfg, nil)
	require.NoError(t, err)

	log.Info("to file", zap.Int("n", 3))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "to file", entry["msg"])
	assert.Equal(t, 3.0, entry["n"])
}

func TestRejectsUnknownLevel(t *testing.T) {
	cfg := control.DefaultConfig().Log
	cfg.Level = "loud"
	_, _, err := NewWithConsole(cfg, nil)
	require.Error(t, err)
}
