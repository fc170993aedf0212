package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToFileAndTerminal(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, closer, err := newLogger(&out, path, slog.LevelInfo)
	require.NoError(t, err)

	logger.With("app", "autofix-agent").Info("Request accepted", "requestID", "r1")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	assert.Contains(t, out.String(), "requestID=r1")
	assert.NotContains(t, out.String(), "hidden")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "Request accepted", record["msg"])
	assert.Equal(t, "autofix-agent", record["app"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}
