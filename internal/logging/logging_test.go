package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/logging"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.NewWriter(&buf, logging.Config{Level: "warn", Format: "json"})
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "queue", "web-crawl")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "web-crawl", rec["queue"])
}

func TestNewWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.NewWriter(&buf, logging.Config{Level: "debug", Format: "text"})
	require.NoError(t, err)
	l.Debug("claimed", "job_id", "j1")
	assert.Contains(t, buf.String(), "job_id=j1")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := logging.ParseLevel("loud")
	assert.Error(t, err)
	_, err = logging.NewWriter(&bytes.Buffer{}, logging.Config{Format: "xml"})
	assert.Error(t, err)
}
