// ABOUTME: Configuration loading and parsing for pairchat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pairchat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Live      LiveConfig      `yaml:"live" toml:"live"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC listener
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTPS with a Tailscale-issued certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// Storage backends for the message log
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// StorageConfig selects where messages are kept
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Dir     string `yaml:"dir" toml:"dir"` // chat files (file) or database directory (badger)
}

// DatabaseConfig holds the SQLite database used for users, and for messages
// when storage.backend is sqlite
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LiveConfig tunes live delivery to connected viewers
type LiveConfig struct {
	BufferSize     int    `yaml:"buffer_size" toml:"buffer_size"`
	OverflowPolicy string `yaml:"overflow_policy" toml:"overflow_policy"`

	IdleChannelTTL    time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleChannelTTLRaw    string `yaml:"idle_channel_ttl" toml:"idle_channel_ttl"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied to unset fields
const (
	DefaultBufferSize        = 64
	DefaultOverflowPolicy    = "drop_oldest"
	DefaultIdleChannelTTL    = 5 * time.Minute
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultTokenTTL          = 24 * time.Hour
	DefaultMetricsPath       = "/metrics"
)

// minJWTSecretLen matches the HS256 key size.
const minJWTSecretLen = 32

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Live.BufferSize == 0 {
		c.Live.BufferSize = DefaultBufferSize
	}
	if c.Live.OverflowPolicy == "" {
		c.Live.OverflowPolicy = DefaultOverflowPolicy
	}
	if c.Live.IdleChannelTTLRaw == "" {
		c.Live.IdleChannelTTL = DefaultIdleChannelTTL
	}
	if c.Live.HeartbeatIntervalRaw == "" {
		c.Live.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Auth.TokenTTLRaw == "" {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendFile, BackendBadger:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be one of file, sqlite, badger (got %q)", c.Storage.Backend)
	}

	if c.Live.BufferSize < 1 {
		return fmt.Errorf("live.buffer_size must be positive")
	}
	switch c.Live.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("live.overflow_policy must be drop_oldest or disconnect (got %q)", c.Live.OverflowPolicy)
	}
	if c.Live.HeartbeatInterval <= 0 {
		return fmt.Errorf("live.heartbeat_interval must be positive")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"live.idle_channel_ttl", cfg.Live.IdleChannelTTLRaw, &cfg.Live.IdleChannelTTL},
		{"live.heartbeat_interval", cfg.Live.HeartbeatIntervalRaw, &cfg.Live.HeartbeatInterval},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
