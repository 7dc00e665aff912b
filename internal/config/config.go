// Package config holds all configuration types and loading logic for a
// jobrelay node. Durations are integers in milliseconds (*_ms keys).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a jobrelay node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Broker    BrokerConfig    `yaml:"broker"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	API       APIConfig       `yaml:"api"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds identity and network settings for this node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// BrokerConfig selects and tunes the message broker tier.
type BrokerConfig struct {
	// Tier is "basic", "enhanced", "advanced" or "auto". Auto resolves from
	// Persistence and Scaling.
	Tier        string `yaml:"tier"`
	Persistence bool   `yaml:"persistence"`
	Scaling     bool   `yaml:"scaling"`

	PublishTimeoutMs   int `yaml:"publish_timeout_ms"`
	SubscribeTimeoutMs int `yaml:"subscribe_timeout_ms"`
	PublishRetries     int `yaml:"publish_retries"`
	ReconnectBaseMs    int `yaml:"reconnect_base_ms"`
	ReconnectCapMs     int `yaml:"reconnect_cap_ms"`
	MaxAuthFailures    int `yaml:"max_auth_failures"`

	// DegradeOnPersistenceFailure broadcasts unlogged messages when the
	// message log fails instead of failing the publish.
	DegradeOnPersistenceFailure bool `yaml:"degrade_on_persistence_failure"`

	// Advanced tier.
	PoolSize          int `yaml:"pool_size"`
	MailboxSize       int `yaml:"mailbox_size"`
	CircuitThreshold  int `yaml:"circuit_threshold"`
	CircuitCooldownMs int `yaml:"circuit_cooldown_ms"`
	ReplayBatch       int `yaml:"replay_batch"`
}

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// TransportConfig selects the pub/sub connection the broker dials.
type TransportConfig struct {
	// Kind is "memory" (in-process hub), "redis" or "websocket" (a remote
	// jobrelay relay).
	Kind  string `yaml:"kind"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// FsyncPolicy controls when the local message log is flushed to disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncInterval FsyncPolicy = "interval"
	FsyncBatch    FsyncPolicy = "batch"
	FsyncNever    FsyncPolicy = "never"
)

// Message log backends.
const (
	LogLocal = "local"
	LogRedis = "redis"
)

// Job store backends.
const (
	StoreBolt     = "bolt"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// StorageConfig selects the durable message log and the job store.
type StorageConfig struct {
	// Log is "local" (segment files under data_dir) or "redis" (streams,
	// shared by every node).
	Log             string      `yaml:"log"`
	LogURL          string      `yaml:"log_url"`
	Fsync           FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize  int         `yaml:"fsync_batch_size"`

	// Jobs is "bolt" (file under data_dir), "redis" or "postgres".
	Jobs    string `yaml:"jobs"`
	JobsURL string `yaml:"jobs_url"`

	// RedisPrefix namespaces every key the redis backends write.
	RedisPrefix string `yaml:"redis_prefix"`
}

// JobsConfig sets the retry policy of every queue.
type JobsConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	RetryBaseMs int `yaml:"retry_base_ms"`
	RetryCapMs  int `yaml:"retry_cap_ms"`
	// LinkImports merges material-import completions into the extraction
	// jobs they came from.
	LinkImports bool `yaml:"link_imports"`
}

// RelayConfig controls the WebSocket relay that lets remote brokers share
// this node's in-process hub.
type RelayConfig struct {
	Enabled bool    `yaml:"enabled"`
	MaxRate float64 `yaml:"max_rate"` // publish frames per second per client; 0 = unlimited
	Burst   int     `yaml:"burst"`
}

// AuthConfig controls API key authentication of the HTTP API and relay.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// APIConfig limits the HTTP API.
type APIConfig struct {
	// MaxRate is requests per second per client IP; 0 disables limiting.
	MaxRate   float64 `yaml:"max_rate"`
	Burst     int     `yaml:"burst"`
	MaxBodyKB int     `yaml:"max_body_kb"`
}

// WebhookConfig controls event delivery to webhook endpoints.
type WebhookConfig struct {
	Attempts    int `yaml:"attempts"`
	RetryBaseMs int `yaml:"retry_base_ms"`
	RetryCapMs  int `yaml:"retry_cap_ms"`
	TimeoutMs   int `yaml:"timeout_ms"`
	Buffer      int `yaml:"buffer"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Broker: BrokerConfig{
			Tier:               "auto",
			PublishTimeoutMs:   5_000,
			SubscribeTimeoutMs: 5_000,
			PublishRetries:     3,
			ReconnectBaseMs:    1_000,
			ReconnectCapMs:     30_000,
			MaxAuthFailures:    3,
			PoolSize:           4,
			MailboxSize:        1_024,
			CircuitThreshold:   5,
			CircuitCooldownMs:  10_000,
			ReplayBatch:        256,
		},
		Transport: TransportConfig{
			Kind: TransportMemory,
		},
		Storage: StorageConfig{
			Log:             LogLocal,
			Fsync:           FsyncInterval,
			FsyncIntervalMs: 200,
			FsyncBatchSize:  64,
			Jobs:            StoreBolt,
			RedisPrefix:     "jobrelay:",
		},
		Jobs: JobsConfig{
			MaxAttempts: 3,
			RetryBaseMs: 1_000,
			RetryCapMs:  300_000,
			LinkImports: true,
		},
		Relay: RelayConfig{
			Enabled: true,
			MaxRate: 1_000,
			Burst:   2_000,
		},
		API: APIConfig{
			MaxRate:   100,
			Burst:     200,
			MaxBodyKB: 256,
		},
		Webhook: WebhookConfig{
			Attempts:    5,
			RetryBaseMs: 500,
			RetryCapMs:  30_000,
			TimeoutMs:   10_000,
			Buffer:      256,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// Environment variables are applied last:
//
//	JOBRELAY_API_KEY        sets auth.api_key and enables auth
//	JOBRELAY_DATA_DIR       sets node.data_dir
//	JOBRELAY_PORT           sets node.port
//	JOBRELAY_BROKER_TIER    sets broker.tier
//	JOBRELAY_TRANSPORT      sets transport.kind
//	JOBRELAY_TRANSPORT_URL  sets transport.url
//	JOBRELAY_LOG_STORE      sets storage.log
//	JOBRELAY_LOG_URL        sets storage.log_url
//	JOBRELAY_JOBS_STORE     sets storage.jobs
//	JOBRELAY_JOBS_URL       sets storage.jobs_url
//	JOBRELAY_LOG_LEVEL      sets log.level
//	JOBRELAY_LOG_FORMAT     sets log.format
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("JOBRELAY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("JOBRELAY_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: JOBRELAY_PORT: %w", err)
		}
		cfg.Node.Port = p
	}
	for env, dst := range map[string]*string{
		"JOBRELAY_DATA_DIR":      &cfg.Node.DataDir,
		"JOBRELAY_BROKER_TIER":   &cfg.Broker.Tier,
		"JOBRELAY_TRANSPORT":     &cfg.Transport.Kind,
		"JOBRELAY_TRANSPORT_URL": &cfg.Transport.URL,
		"JOBRELAY_LOG_STORE":     &cfg.Storage.Log,
		"JOBRELAY_LOG_URL":       &cfg.Storage.LogURL,
		"JOBRELAY_JOBS_STORE":    &cfg.Storage.Jobs,
		"JOBRELAY_JOBS_URL":      &cfg.Storage.JobsURL,
		"JOBRELAY_LOG_LEVEL":     &cfg.Log.Level,
		"JOBRELAY_LOG_FORMAT":    &cfg.Log.Format,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}

	switch strings.ToLower(c.Broker.Tier) {
	case "auto", "basic", "enhanced", "advanced":
	default:
		return fmt.Errorf(`broker.tier must be one of "auto", "basic", "enhanced", "advanced", got %q`, c.Broker.Tier)
	}
	if c.Broker.PublishTimeoutMs <= 0 || c.Broker.SubscribeTimeoutMs <= 0 {
		return errors.New("broker.publish_timeout_ms and broker.subscribe_timeout_ms must be positive")
	}
	if c.Broker.PublishRetries < 0 {
		return errors.New("broker.publish_retries must be >= 0")
	}
	if c.Broker.PoolSize < 1 {
		return errors.New("broker.pool_size must be at least 1")
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis, TransportWebSocket:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for the %s transport", c.Transport.Kind)
		}
	default:
		return fmt.Errorf(`transport.kind must be one of "memory", "redis", "websocket", got %q`, c.Transport.Kind)
	}

	switch c.Storage.Log {
	case LogLocal:
	case LogRedis:
		if c.Storage.LogURL == "" {
			return errors.New("storage.log_url is required for the redis message log")
		}
	default:
		return fmt.Errorf(`storage.log must be "local" or "redis", got %q`, c.Storage.Log)
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	switch c.Storage.Jobs {
	case StoreBolt:
	case StoreRedis, StorePostgres:
		if c.Storage.JobsURL == "" {
			return fmt.Errorf("storage.jobs_url is required for the %s job store", c.Storage.Jobs)
		}
	default:
		return fmt.Errorf(`storage.jobs must be one of "bolt", "redis", "postgres", got %q`, c.Storage.Jobs)
	}

	if c.Jobs.MaxAttempts < 1 {
		return errors.New("jobs.max_attempts must be at least 1")
	}
	if c.Jobs.RetryBaseMs <= 0 || c.Jobs.RetryCapMs < c.Jobs.RetryBaseMs {
		return errors.New("jobs.retry_base_ms must be positive and not exceed jobs.retry_cap_ms")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.API.MaxRate < 0 || c.Relay.MaxRate < 0 {
		return errors.New("api.max_rate and relay.max_rate must be >= 0")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(`log.level must be one of "debug", "info", "warn", "error", got %q`, c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf(`log.format must be "json" or "text", got %q`, c.Log.Format)
	}
	return nil
}

// Ms converts a *_ms config value to a duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
