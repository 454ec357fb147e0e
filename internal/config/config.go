package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Feed     FeedConfig     `yaml:"feed"`
	Queue    QueueConfig    `yaml:"queue"`
	Sync     SyncConfig     `yaml:"sync"`
	Trust    TrustConfig    `yaml:"trust"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains backing-store client settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// FeedConfig contains change-feed subscription settings.
type FeedConfig struct {
	URL          string   `yaml:"url"`
	ReconnectMin Duration `yaml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max"`
}

// QueueConfig contains sync queue settings.
type QueueConfig struct {
	DrainInterval     Duration `yaml:"drain_interval"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	MaxRetries        int      `yaml:"max_retries"`
	DebounceWindow    Duration `yaml:"debounce_window"`
	RetentionInterval Duration `yaml:"retention_interval"`
	RetentionAge      Duration `yaml:"retention_age"`
}

// SyncConfig contains sync manager settings. NodeID identifies this device in
// conflict tie-breaks and snapshot object keys; it falls back to the hostname.
type SyncConfig struct {
	NodeID           string   `yaml:"node_id"`
	PeriodicInterval Duration `yaml:"periodic_interval"`
}

// TrustConfig contains device trust settings.
type TrustConfig struct {
	ClaimsKey string `yaml:"-"` // env-only, never in YAML
}

// CryptoConfig contains encryption service settings.
type CryptoConfig struct {
	Passphrase string `yaml:"-"` // env-only, never in YAML
	Salt       string `yaml:"-"` // env-only, never in YAML
}

// SnapshotConfig contains state backup settings. An empty bucket disables
// snapshot uploads entirely.
type SnapshotConfig struct {
	Interval  Duration `yaml:"interval"`
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
}

// AuthConfig contains API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/syncd.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Feed: FeedConfig{
			ReconnectMin: Duration(1 * time.Second),
			ReconnectMax: Duration(60 * time.Second),
		},
		Queue: QueueConfig{
			DrainInterval:     Duration(5 * time.Second),
			BackoffBase:       Duration(2 * time.Second),
			BackoffCap:        Duration(5 * time.Minute),
			MaxRetries:        5,
			DebounceWindow:    Duration(2 * time.Second),
			RetentionInterval: Duration(1 * time.Hour),
			RetentionAge:      Duration(72 * time.Hour),
		},
		Sync: SyncConfig{
			PeriodicInterval: Duration(5 * time.Minute),
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(6 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote backing store
	if v := os.Getenv("SYNCD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SYNCD_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("SYNCD_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Change feed
	if v := os.Getenv("SYNCD_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}

	// Queue
	if v := os.Getenv("SYNCD_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.DrainInterval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.BackoffBase = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.BackoffCap = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("SYNCD_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.DebounceWindow = Duration(d)
		}
	}

	// Sync manager
	if v := os.Getenv("SYNCD_NODE_ID"); v != "" {
		cfg.Sync.NodeID = v
	}
	if v := os.Getenv("SYNCD_PERIODIC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PeriodicInterval = Duration(d)
		}
	}

	// Trust
	if v := os.Getenv("SYNCD_TRUST_CLAIMS_KEY"); v != "" {
		cfg.Trust.ClaimsKey = v
	}

	// Crypto
	if v := os.Getenv("SYNCD_CRYPTO_PASSPHRASE"); v != "" {
		cfg.Crypto.Passphrase = v
	}
	if v := os.Getenv("SYNCD_CRYPTO_SALT"); v != "" {
		cfg.Crypto.Salt = v
	}

	// Snapshot storage
	if v := os.Getenv("SYNCD_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_REGION"); v != "" {
		cfg.Snapshot.Region = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("SYNCD_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}

	// Auth
	if v := os.Getenv("SYNCD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SYNCD_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("SYNCD_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("SYNCD_REMOTE_URL is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("SYNCD_API_KEY is required")
	}
	if c.Crypto.Passphrase == "" {
		return errors.New("SYNCD_CRYPTO_PASSPHRASE is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
