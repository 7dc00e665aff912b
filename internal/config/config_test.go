package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Broker.Tier != "auto" {
		t.Errorf("expected default tier auto, got %s", cfg.Broker.Tier)
	}
	if cfg.Transport.Kind != config.TransportMemory {
		t.Errorf("expected memory transport, got %s", cfg.Transport.Kind)
	}
	if cfg.Storage.Log != config.LogLocal || cfg.Storage.Jobs != config.StoreBolt {
		t.Errorf("expected local log and bolt store, got %s/%s", cfg.Storage.Log, cfg.Storage.Jobs)
	}
	if cfg.Jobs.MaxAttempts != 3 || cfg.Jobs.RetryBaseMs != 1_000 || cfg.Jobs.RetryCapMs != 300_000 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Jobs)
	}
	if !cfg.Jobs.LinkImports {
		t.Error("import linking must be on by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  data_dir: "/tmp/jobrelay_test"
broker:
  tier: advanced
  pool_size: 8
transport:
  kind: redis
  url: redis://localhost:6379/0
storage:
  fsync: always
  jobs: postgres
  jobs_url: postgres://localhost/jobrelay
jobs:
  max_attempts: 5
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Broker.Tier != "advanced" || cfg.Broker.PoolSize != 8 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Transport.Kind != config.TransportRedis {
		t.Errorf("expected redis transport, got %s", cfg.Transport.Kind)
	}
	if cfg.Storage.Fsync != config.FsyncAlways {
		t.Errorf("expected fsync always, got %s", cfg.Storage.Fsync)
	}
	if cfg.Jobs.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Jobs.MaxAttempts)
	}
	// Unset fields keep their defaults.
	if cfg.Broker.PublishTimeoutMs != 5_000 {
		t.Errorf("expected default publish_timeout_ms, got %d", cfg.Broker.PublishTimeoutMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOBRELAY_API_KEY", "k1")
	t.Setenv("JOBRELAY_PORT", "7070")
	t.Setenv("JOBRELAY_BROKER_TIER", "enhanced")
	t.Setenv("JOBRELAY_JOBS_STORE", "redis")
	t.Setenv("JOBRELAY_JOBS_URL", "redis://cache:6379/1")
	t.Setenv("JOBRELAY_LOG_LEVEL", "debug")

	cfg, err := config.Load(writeTempYAML(t, "node:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "k1" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Node.Port != 7070 {
		t.Errorf("env must win over the file, port = %d", cfg.Node.Port)
	}
	if cfg.Broker.Tier != "enhanced" || cfg.Storage.Jobs != "redis" || cfg.Storage.JobsURL != "redis://cache:6379/1" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Broker, cfg.Storage)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
}

func TestLoad_BadPortEnv(t *testing.T) {
	t.Setenv("JOBRELAY_PORT", "eighty")
	if _, err := config.Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for non-numeric JOBRELAY_PORT")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Node.Port = 0 }},
		{"port too big", func(c *config.Config) { c.Node.Port = 99999 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"unknown tier", func(c *config.Config) { c.Broker.Tier = "platinum" }},
		{"zero publish timeout", func(c *config.Config) { c.Broker.PublishTimeoutMs = 0 }},
		{"zero pool", func(c *config.Config) { c.Broker.PoolSize = 0 }},
		{"unknown transport", func(c *config.Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"redis transport without url", func(c *config.Config) { c.Transport.Kind = config.TransportRedis }},
		{"websocket transport without url", func(c *config.Config) { c.Transport.Kind = config.TransportWebSocket }},
		{"redis log without url", func(c *config.Config) { c.Storage.Log = config.LogRedis }},
		{"unknown fsync", func(c *config.Config) { c.Storage.Fsync = "magic" }},
		{"postgres without url", func(c *config.Config) { c.Storage.Jobs = config.StorePostgres }},
		{"unknown store", func(c *config.Config) { c.Storage.Jobs = "csv" }},
		{"zero attempts", func(c *config.Config) { c.Jobs.MaxAttempts = 0 }},
		{"cap below base", func(c *config.Config) { c.Jobs.RetryCapMs = 10 }},
		{"auth without key", func(c *config.Config) { c.Auth.Enabled = true }},
		{"negative rate", func(c *config.Config) { c.API.MaxRate = -1 }},
		{"unknown level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"unknown format", func(c *config.Config) { c.Log.Format = "xml" }},
	}
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestMs(t *testing.T) {
	if got := config.Ms(1500); got != 1500*time.Millisecond {
		t.Errorf("Ms(1500) = %s", got)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
