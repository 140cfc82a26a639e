// Package config handles application configuration
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config represents the application configuration
type Config struct {
	Remote      RemoteConfig      `yaml:"remote"`
	Cache       CacheConfig       `yaml:"cache"`
	Queue       QueueConfig       `yaml:"queue"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// RemoteConfig holds the list API connection settings
type RemoteConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	Timeout   string `yaml:"timeout"` // per-call bound for optimistic mutations, e.g. "10s"
	UserAgent string `yaml:"user_agent"`
}

// CacheConfig holds per-kind TTLs and the sweep interval
type CacheConfig struct {
	CollectionTTL       string `yaml:"collection_ttl"`
	ItemsTTL            string `yaml:"items_ttl"`
	OwnerCollectionsTTL string `yaml:"owner_collections_ttl"`
	StaleTTL            string `yaml:"stale_ttl"`
	SweepInterval       string `yaml:"sweep_interval"`
	StaleFallback       *bool  `yaml:"stale_fallback"` // serve last-known-good on fetch failure (default: true)
}

// QueueConfig holds durable queue settings
type QueueConfig struct {
	Path               string `yaml:"path"`
	MaxRetries         int    `yaml:"max_retries" validate:"gte=1,lte=20"`
	RetentionDays      int    `yaml:"retention_days" validate:"gte=1"`
	BaseDelay          string `yaml:"base_delay"`
	RateLimitBaseDelay string `yaml:"rate_limit_base_delay"`
	MaxDelay           string `yaml:"max_delay"`
}

// ProcessorConfig holds background processing settings
type ProcessorConfig struct {
	Enabled        *bool   `yaml:"enabled"` // default: true
	Interval       string  `yaml:"interval"`
	PurgeInterval  string  `yaml:"purge_interval"`
	BatchSize      int     `yaml:"batch_size" validate:"gte=1,lte=1000"`
	Concurrency    int     `yaml:"concurrency" validate:"gte=1,lte=64"`
	AttemptTimeout string  `yaml:"attempt_timeout"`
	RatePerSecond  float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst          int     `yaml:"burst" validate:"gte=0"`
	StaleAfter     string  `yaml:"stale_after"` // processing records older than this are reset on startup
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Enabled             *bool  `yaml:"enabled"` // default: true
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" validate:"gte=1"`
	OpenTimeout         string `yaml:"open_timeout"`
}

// DaemonConfig holds the background process settings
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	PIDPath    string `yaml:"pid_path"`
	LogPath    string `yaml:"log_path"`
}

// AdminConfig holds the HTTP operator surface settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// CredentialsConfig holds tokens used when neither the keyring nor the
// environment has one for an owner.
type CredentialsConfig struct {
	Tokens map[int64]string `yaml:"tokens"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	enabled := true
	breaker := true
	stale := true
	return &Config{
		Remote: RemoteConfig{
			Timeout: "10s",
		},
		Cache: CacheConfig{
			CollectionTTL:       "10m",
			ItemsTTL:            "2m",
			OwnerCollectionsTTL: "30m",
			StaleTTL:            "24h",
			SweepInterval:       "5m",
			StaleFallback:       &stale,
		},
		Queue: QueueConfig{
			Path:               filepath.Join(GetDataDir(), "queue.db"),
			MaxRetries:         5,
			RetentionDays:      30,
			BaseDelay:          "30s",
			RateLimitBaseDelay: "60s",
			MaxDelay:           "1h",
		},
		Processor: ProcessorConfig{
			Enabled:        &enabled,
			Interval:       "1m",
			PurgeInterval:  "24h",
			BatchSize:      50,
			Concurrency:    4,
			AttemptTimeout: "10s",
			RatePerSecond:  5,
			Burst:          5,
			StaleAfter:     "5m",
		},
		Breaker: BreakerConfig{
			Enabled:             &breaker,
			ConsecutiveFailures: 5,
			OpenTimeout:         "30s",
		},
		Daemon: DaemonConfig{
			SocketPath: GetSocketPath(),
			PIDPath:    filepath.Join(GetDataDir(), "daemon.pid"),
			LogPath:    filepath.Join(GetDataDir(), "daemon.log"),
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:8089",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the config file location under the XDG config directory.
func DefaultPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the sample.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, expands paths and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	cfg.Queue.Path = ExpandPath(cfg.Queue.Path)
	cfg.Daemon.SocketPath = ExpandPath(cfg.Daemon.SocketPath)
	cfg.Daemon.PIDPath = ExpandPath(cfg.Daemon.PIDPath)
	cfg.Daemon.LogPath = ExpandPath(cfg.Daemon.LogPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// save writes the sample configuration to path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (rule %q)", yamlPath(fe.Namespace()), fe.Value(), fe.Tag())
		}
		return err
	}

	durations := []struct {
		name  string
		value string
		min   time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout, time.Millisecond},
		{"cache.collection_ttl", c.Cache.CollectionTTL, time.Second},
		{"cache.items_ttl", c.Cache.ItemsTTL, time.Second},
		{"cache.owner_collections_ttl", c.Cache.OwnerCollectionsTTL, time.Second},
		{"cache.stale_ttl", c.Cache.StaleTTL, time.Second},
		{"cache.sweep_interval", c.Cache.SweepInterval, time.Second},
		{"queue.base_delay", c.Queue.BaseDelay, time.Second},
		{"queue.rate_limit_base_delay", c.Queue.RateLimitBaseDelay, time.Second},
		{"queue.max_delay", c.Queue.MaxDelay, time.Second},
		{"processor.interval", c.Processor.Interval, time.Second},
		{"processor.purge_interval", c.Processor.PurgeInterval, time.Minute},
		{"processor.attempt_timeout", c.Processor.AttemptTimeout, time.Millisecond},
		{"processor.stale_after", c.Processor.StaleAfter, 0},
		{"breaker.open_timeout", c.Breaker.OpenTimeout, time.Second},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.name, d.value)
		}
		if parsed < d.min {
			return fmt.Errorf("%s must be at least %v, got %q", d.name, d.min, d.value)
		}
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		return errors.New("admin.listen is required when admin.enabled is true")
	}
	return nil
}

// yamlPath turns a validator namespace like "Config.Queue.MaxRetries" into
// the YAML key path "queue.max_retries".
func yamlPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// Typed accessors
// =============================================================================

func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// RemoteTimeout bounds each optimistic remote call.
func (c *Config) RemoteTimeout() time.Duration {
	return durationOr(c.Remote.Timeout, 10*time.Second)
}

// CollectionTTL returns the collection cache TTL.
func (c *Config) CollectionTTL() time.Duration {
	return durationOr(c.Cache.CollectionTTL, 10*time.Minute)
}

// ItemsTTL returns the item listing cache TTL.
func (c *Config) ItemsTTL() time.Duration {
	return durationOr(c.Cache.ItemsTTL, 2*time.Minute)
}

// OwnerCollectionsTTL returns the owner listing cache TTL.
func (c *Config) OwnerCollectionsTTL() time.Duration {
	return durationOr(c.Cache.OwnerCollectionsTTL, 30*time.Minute)
}

// StaleTTL returns how long last-known-good copies are kept.
func (c *Config) StaleTTL() time.Duration {
	return durationOr(c.Cache.StaleTTL, 24*time.Hour)
}

// SweepInterval returns the cache sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return durationOr(c.Cache.SweepInterval, 5*time.Minute)
}

// IsStaleFallbackEnabled returns true (default) unless stale_fallback is set to false.
func (c *Config) IsStaleFallbackEnabled() bool {
	if c.Cache.StaleFallback == nil {
		return true
	}
	return *c.Cache.StaleFallback
}

// BaseDelay returns the first retry delay.
func (c *Config) BaseDelay() time.Duration {
	return durationOr(c.Queue.BaseDelay, 30*time.Second)
}

// RateLimitBaseDelay returns the first retry delay after a rate-limited answer.
func (c *Config) RateLimitBaseDelay() time.Duration {
	return durationOr(c.Queue.RateLimitBaseDelay, 60*time.Second)
}

// MaxDelay caps retry delays.
func (c *Config) MaxDelay() time.Duration {
	return durationOr(c.Queue.MaxDelay, time.Hour)
}

// IsProcessorEnabled returns true (default) unless processor.enabled is false.
func (c *Config) IsProcessorEnabled() bool {
	if c.Processor.Enabled == nil {
		return true
	}
	return *c.Processor.Enabled
}

// ProcessorInterval returns the tick interval.
func (c *Config) ProcessorInterval() time.Duration {
	return durationOr(c.Processor.Interval, time.Minute)
}

// PurgeInterval returns how often terminal records are purged.
func (c *Config) PurgeInterval() time.Duration {
	return durationOr(c.Processor.PurgeInterval, 24*time.Hour)
}

// AttemptTimeout bounds each queued remote attempt.
func (c *Config) AttemptTimeout() time.Duration {
	return durationOr(c.Processor.AttemptTimeout, 10*time.Second)
}

// StaleAfter returns the age after which processing records are recovered.
func (c *Config) StaleAfter() time.Duration {
	return durationOr(c.Processor.StaleAfter, 5*time.Minute)
}

// IsBreakerEnabled returns true (default) unless breaker.enabled is false.
func (c *Config) IsBreakerEnabled() bool {
	if c.Breaker.Enabled == nil {
		return true
	}
	return *c.Breaker.Enabled
}

// BreakerOpenTimeout returns how long the breaker stays open.
func (c *Config) BreakerOpenTimeout() time.Duration {
	return durationOr(c.Breaker.OpenTimeout, 30*time.Second)
}

// =============================================================================
// Paths
// =============================================================================

// getXDGDir returns a directory path following the XDG base directory layout.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "listsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "listsync")
	}
	return filepath.Join(home, fallbackPath, "listsync")
}

// GetConfigDir returns the configuration directory following the XDG base directory layout
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following the XDG base directory layout
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetSocketPath returns the default daemon socket path.
func GetSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "listsync", "daemon.sock")
	}
	return fmt.Sprintf("/tmp/listsync-daemon-%d.sock", os.Getuid())
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
