package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Load / defaults
// =============================================================================

// TestConfigAutoCreate verifies first run writes the sample config at the XDG path
func TestConfigAutoCreate(t *testing.T) {
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "config")
	dataDir := filepath.Join(tmpDir, "data")

	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("XDG_DATA_HOME", dataDir)
	t.Setenv("HOME", tmpDir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	configPath := filepath.Join(configDir, "listsync", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config file not created at %s: %v", configPath, err)
	}
	if string(data) != GetSampleConfig() {
		t.Error("expected created config to match the embedded sample")
	}

	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected MaxRetries = 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.Path != filepath.Join(dataDir, "listsync", "queue.db") {
		t.Errorf("unexpected queue path %q", cfg.Queue.Path)
	}
}

// TestSampleConfigParses verifies the embedded sample is valid and matches the defaults
func TestSampleConfigParses(t *testing.T) {
	cfg, err := Parse([]byte(GetSampleConfig()))
	if err != nil {
		t.Fatalf("Parse(sample) error = %v", err)
	}

	if cfg.CollectionTTL() != 10*time.Minute {
		t.Errorf("expected collection TTL 10m, got %v", cfg.CollectionTTL())
	}
	if cfg.ItemsTTL() != 2*time.Minute {
		t.Errorf("expected items TTL 2m, got %v", cfg.ItemsTTL())
	}
	if cfg.OwnerCollectionsTTL() != 30*time.Minute {
		t.Errorf("expected owner collections TTL 30m, got %v", cfg.OwnerCollectionsTTL())
	}
	if cfg.BaseDelay() != 30*time.Second || cfg.RateLimitBaseDelay() != time.Minute || cfg.MaxDelay() != time.Hour {
		t.Errorf("unexpected backoff settings %v/%v/%v", cfg.BaseDelay(), cfg.RateLimitBaseDelay(), cfg.MaxDelay())
	}
	if cfg.Queue.RetentionDays != 30 {
		t.Errorf("expected retention 30 days, got %d", cfg.Queue.RetentionDays)
	}
	if !cfg.IsProcessorEnabled() {
		t.Error("expected processor enabled by default")
	}
	if cfg.ProcessorInterval() != time.Minute {
		t.Errorf("expected interval 1m, got %v", cfg.ProcessorInterval())
	}
	if cfg.Daemon.SocketPath == "" || cfg.Daemon.PIDPath == "" {
		t.Error("expected daemon paths to keep their defaults")
	}
}

// TestConfigCustomPath verifies values from a custom file override the defaults
func TestConfigCustomPath(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "custom.yaml")
	content := `
remote:
  base_url: https://lists.example.com/api
  timeout: 3s
queue:
  path: "$LISTSYNC_TEST_DIR/q.db"
  max_retries: 8
processor:
  enabled: false
  batch_size: 10
logging:
  level: debug
  format: json
credentials:
  tokens:
    42: abc
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("LISTSYNC_TEST_DIR", tmpDir)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", path, err)
	}

	if cfg.Remote.BaseURL != "https://lists.example.com/api" {
		t.Errorf("unexpected base URL %q", cfg.Remote.BaseURL)
	}
	if cfg.RemoteTimeout() != 3*time.Second {
		t.Errorf("expected remote timeout 3s, got %v", cfg.RemoteTimeout())
	}
	if cfg.Queue.Path != filepath.Join(tmpDir, "q.db") {
		t.Errorf("expected expanded queue path, got %q", cfg.Queue.Path)
	}
	if cfg.Queue.MaxRetries != 8 {
		t.Errorf("expected MaxRetries = 8, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.IsProcessorEnabled() {
		t.Error("expected processor disabled")
	}
	if cfg.Processor.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Processor.BatchSize)
	}
	if cfg.Processor.Concurrency != 4 {
		t.Errorf("expected unset concurrency to keep default 4, got %d", cfg.Processor.Concurrency)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	if cfg.Credentials.Tokens[42] != "abc" {
		t.Errorf("expected token for owner 42, got %v", cfg.Credentials.Tokens)
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "remote: [", "invalid YAML"},
		{"bad url", "remote:\n  base_url: not a url\n", "remote.base_url"},
		{"retries too high", "queue:\n  max_retries: 99\n", "queue.max_retries"},
		{"zero batch", "processor:\n  batch_size: 0\n", "processor.batch_size"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"bad duration", "cache:\n  items_ttl: soon\n", "cache.items_ttl"},
		{"too short", "processor:\n  interval: 10ms\n", "processor.interval must be at least"},
		{"bad listen", "admin:\n  enabled: true\n  listen: nope\n", "admin.listen"},
		{"negative rate", "processor:\n  rate_per_second: -1\n", "processor.rate_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestStaleFallbackToggle(t *testing.T) {
	cfg, err := Parse([]byte("cache:\n  stale_fallback: false\n"))
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if cfg.IsStaleFallbackEnabled() {
		t.Error("expected stale fallback disabled")
	}
}

// =============================================================================
// Paths
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x/y.db"); got != filepath.Join(home, "x", "y.db") {
		t.Errorf("expected ~ expansion, got %q", got)
	}
	t.Setenv("LISTSYNC_EXPAND", "/opt/data")
	if got := ExpandPath("$LISTSYNC_EXPAND/q.db"); got != "/opt/data/q.db" {
		t.Errorf("expected env expansion, got %q", got)
	}
	if got := ExpandPath(""); got != "" {
		t.Errorf("expected empty path, got %q", got)
	}
}

func TestSocketPathUsesRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := GetSocketPath(); got != "/run/user/1000/listsync/daemon.sock" {
		t.Errorf("unexpected socket path %q", got)
	}
}

func TestYAMLPath(t *testing.T) {
	if got := yamlPath("Config.Remote.BaseURL"); got != "remote.base_url" {
		t.Errorf("expected remote.base_url, got %q", got)
	}
	if got := yamlPath("Config.Processor.RatePerSecond"); got != "processor.rate_per_second" {
		t.Errorf("expected processor.rate_per_second, got %q", got)
	}
}
