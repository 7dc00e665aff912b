package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/jobrelay/internal/app"
	"github.com/sneh-joshi/jobrelay/internal/config"
)

func TestRelayURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":         "ws://localhost:8080/realtime",
		"https://relay.example.com/":    "wss://relay.example.com/realtime",
		"http://10.0.0.1:9000/jobrelay": "ws://10.0.0.1:9000/jobrelay/realtime",
	}
	for in, want := range cases {
		got, err := relayURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := relayURL("ftp://nope")
	assert.Error(t, err)
}

func startNode(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Broker.Tier = "basic"
	cfg.API.MaxRate = 0

	a, err := app.New(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close(t.Context())
	})
	return srv.URL
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	server := startNode(t)

	out, err := run(t, server, "jobs", "create", "reports", "--data", `{"month":"2026-09"}`, "--priority", "3")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = run(t, server, "jobs", "get", "reports", id)
	require.NoError(t, err)
	var job struct {
		ID       string         `json:"id"`
		Status   string         `json:"status"`
		Priority int            `json:"priority"`
		Data     map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "waiting", job.Status)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, "2026-09", job.Data["month"])

	out, err = run(t, server, "jobs", "list", "reports", "--status", "waiting")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = run(t, server, "jobs", "stats", "reports")
	require.NoError(t, err)
	assert.Contains(t, out, `"waiting": 1`)

	_, err = run(t, server, "jobs", "retry", "reports", id)
	assert.Error(t, err, "waiting jobs cannot be retried")

	_, err = run(t, server, "jobs", "delete", "reports", id)
	require.NoError(t, err)
	_, err = run(t, server, "jobs", "get", "reports", id)
	assert.Error(t, err)
}

func TestJobsCreate_BadData(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1", "jobs", "create", "reports", "--data", "{not json")
	assert.ErrorContains(t, err, "--data")
}
