// Package config handles configuration loading, validation and hot
// reloading for nestobserve.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete process configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	Auth        AuthConfig        `toml:"auth" json:"auth" yaml:"auth"`
	Endpoints   EndpointsConfig   `toml:"endpoints" json:"endpoints" yaml:"endpoints"`
	Observe     ObserveConfig     `toml:"observe" json:"observe" yaml:"observe"`
	Session     SessionConfig     `toml:"session" json:"session" yaml:"session"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
	Credentials CredentialsConfig `toml:"credentials" json:"credentials" yaml:"credentials"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// AuthConfig holds the token exchange settings. Tokens normally come from
// the credentials file; RefreshToken and LegacyToken here are a fallback.
type AuthConfig struct {
	RefreshToken string `toml:"refresh_token" json:"refresh_token" yaml:"refresh_token"`
	LegacyToken  string `toml:"legacy_token" json:"legacy_token" yaml:"legacy_token"`

	// APIKey is sent as x-goog-api-key on JWT issuance when set.
	APIKey string `toml:"api_key" json:"api_key" yaml:"api_key"`

	// FieldTest switches to the field-test OAuth client and observe host.
	FieldTest bool `toml:"field_test" json:"field_test" yaml:"field_test"`

	RetryDelaySec     int `toml:"retry_delay_sec" json:"retry_delay_sec" yaml:"retry_delay_sec"`
	LongBackoffSec    int `toml:"long_backoff_sec" json:"long_backoff_sec" yaml:"long_backoff_sec"`
	FailureThreshold  int `toml:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold"`
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`

	// RefreshReauthMin is the renewal interval for refresh-token sessions.
	RefreshReauthMin int `toml:"refresh_reauth_min" json:"refresh_reauth_min" yaml:"refresh_reauth_min"`

	// LegacyReauthHours is the renewal interval for legacy-token sessions.
	LegacyReauthHours int `toml:"legacy_reauth_hours" json:"legacy_reauth_hours" yaml:"legacy_reauth_hours"`
}

// EndpointsConfig holds the vendor URLs. Empty values use the built-in
// production endpoints.
type EndpointsConfig struct {
	TokenURL   string `toml:"token_url" json:"token_url" yaml:"token_url"`
	JWTURL     string `toml:"jwt_url" json:"jwt_url" yaml:"jwt_url"`
	SessionURL string `toml:"session_url" json:"session_url" yaml:"session_url"`
	ObserveURL string `toml:"observe_url" json:"observe_url" yaml:"observe_url"`
	UserAgent  string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// ObserveConfig holds the stream supervisor timings.
type ObserveConfig struct {
	IdleTimeoutSec    int `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	PingIntervalSec   int `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`
	PollIntervalMs    int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	SubscribeDelayMs  int `toml:"subscribe_delay_ms" json:"subscribe_delay_ms" yaml:"subscribe_delay_ms"`
	RetryDelaySec     int `toml:"retry_delay_sec" json:"retry_delay_sec" yaml:"retry_delay_sec"`
	AuthRetryDelaySec int `toml:"auth_retry_delay_sec" json:"auth_retry_delay_sec" yaml:"auth_retry_delay_sec"`
	MaxFrameBytes     int `toml:"max_frame_bytes" json:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// SessionConfig holds device tree policy.
type SessionConfig struct {
	// ExitOnDeviceListChanged stops the process when a structure's device
	// count changes so a supervisor can restart it with fresh accessories.
	ExitOnDeviceListChanged bool `toml:"exit_on_device_list_changed" json:"exit_on_device_list_changed" yaml:"exit_on_device_list_changed"`

	// PendingTTLSec is the default lifetime of an optimistic update.
	PendingTTLSec int `toml:"pending_ttl_sec" json:"pending_ttl_sec" yaml:"pending_ttl_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the sqlite snapshot database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// StateFile receives the latest tree as JSON on every emission.
	// Empty disables it.
	StateFile string `toml:"state_file" json:"state_file" yaml:"state_file"`

	// KeepSnapshots is how many snapshots survive a prune.
	KeepSnapshots int `toml:"keep_snapshots" json:"keep_snapshots" yaml:"keep_snapshots"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// EventsPath is the session event journal. Empty disables it.
	EventsPath string `toml:"events_path" json:"events_path" yaml:"events_path"`
}

// MetricsConfig holds the prometheus and health listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// CredentialsConfig says where to find auth.json.
type CredentialsConfig struct {
	// Paths are searched in order for auth.json.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// Watch re-reads the file when it changes.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// DefaultConfig returns a configuration with the production defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Auth: AuthConfig{
			RetryDelaySec:     15,
			LongBackoffSec:    3600,
			FailureThreshold:  6,
			RequestTimeoutSec: 40,
			RefreshReauthMin:  55,
			LegacyReauthHours: 20 * 24,
		},
		Observe: ObserveConfig{
			IdleTimeoutSec:    130,
			PingIntervalSec:   60,
			PollIntervalMs:    1000,
			SubscribeDelayMs:  100,
			RetryDelaySec:     10,
			AuthRetryDelaySec: 15,
			MaxFrameBytes:     16 << 20,
		},
		Session: SessionConfig{
			ExitOnDeviceListChanged: false,
			PendingTTLSec:           30,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "snapshots.db"),
			StateFile:     filepath.Join(dir, "state.json"),
			KeepSnapshots: 100,
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformStateDir(), "nestobserve.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			Compress:   true,
			EventsPath: filepath.Join(PlatformStateDir(), "events.jsonl"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
		Credentials: CredentialsConfig{
			Paths: []string{".", "/etc/secrets"},
			Watch: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the
// defaults. The format follows the extension: .toml, .json, .yaml/.yml;
// anything else is tried as each in turn.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Version == 0 {
		cfg.Version = Version
	}
	return cfg, nil
}

func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	if c.Storage.StateFile != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.StateFile))
	}
	if c.Logging.EventsPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.EventsPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies NESTOBSERVE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("NESTOBSERVE_REFRESH_TOKEN"); v != "" {
		c.Auth.RefreshToken = v
	}
	if v := os.Getenv("NESTOBSERVE_LEGACY_TOKEN"); v != "" {
		c.Auth.LegacyToken = v
	}
	if v := os.Getenv("NESTOBSERVE_API_KEY"); v != "" {
		c.Auth.APIKey = v
	}
	if v, err := strconv.ParseBool(os.Getenv("NESTOBSERVE_FIELD_TEST")); err == nil {
		c.Auth.FieldTest = v
	}

	if v := os.Getenv("NESTOBSERVE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("NESTOBSERVE_STATE_FILE"); v != "" {
		c.Storage.StateFile = v
	}

	if v := os.Getenv("NESTOBSERVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NESTOBSERVE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("NESTOBSERVE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("NESTOBSERVE_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
	if v, err := strconv.ParseBool(os.Getenv("NESTOBSERVE_EXIT_ON_DEVICE_LIST_CHANGED")); err == nil {
		c.Session.ExitOnDeviceListChanged = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Auth:        c.Auth,
		Endpoints:   c.Endpoints,
		Observe:     c.Observe,
		Session:     c.Session,
		Storage:     c.Storage,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
		Credentials: c.Credentials,
	}
	clone.Credentials.Paths = append([]string{}, c.Credentials.Paths...)
	return clone
}

// Seconds converts a configured count of seconds.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a configured count of milliseconds.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
