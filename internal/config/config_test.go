// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

storage:
  backend: "badger"
  dir: "./data/badger"

database:
  path: "./test.db"

live:
  buffer_size: 16
  overflow_policy: "disconnect"
  idle_channel_ttl: "90s"
  heartbeat_interval: "5s"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "2h"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Storage.Backend != BackendBadger {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendBadger)
	}
	if cfg.Live.BufferSize != 16 {
		t.Errorf("Live.BufferSize = %d, want 16", cfg.Live.BufferSize)
	}
	if cfg.Live.OverflowPolicy != "disconnect" {
		t.Errorf("Live.OverflowPolicy = %q, want disconnect", cfg.Live.OverflowPolicy)
	}
	if cfg.Live.IdleChannelTTL != 90*time.Second {
		t.Errorf("Live.IdleChannelTTL = %v, want %v", cfg.Live.IdleChannelTTL, 90*time.Second)
	}
	if cfg.Live.HeartbeatInterval != 5*time.Second {
		t.Errorf("Live.HeartbeatInterval = %v, want %v", cfg.Live.HeartbeatInterval, 5*time.Second)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 2*time.Hour)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
storage:
  dir: "./chats"
database:
  path: "./test.db"
metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Backend != BackendFile {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendFile)
	}
	if cfg.Live.BufferSize != DefaultBufferSize {
		t.Errorf("Live.BufferSize = %d, want %d", cfg.Live.BufferSize, DefaultBufferSize)
	}
	if cfg.Live.OverflowPolicy != DefaultOverflowPolicy {
		t.Errorf("Live.OverflowPolicy = %q, want %q", cfg.Live.OverflowPolicy, DefaultOverflowPolicy)
	}
	if cfg.Live.IdleChannelTTL != DefaultIdleChannelTTL {
		t.Errorf("Live.IdleChannelTTL = %v, want %v", cfg.Live.IdleChannelTTL, DefaultIdleChannelTTL)
	}
	if cfg.Live.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("Live.HeartbeatInterval = %v, want %v", cfg.Live.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Auth.TokenTTL != DefaultTokenTTL {
		t.Errorf("Auth.TokenTTL = %v, want %v", cfg.Auth.TokenTTL, DefaultTokenTTL)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if cfg.Server.GRPCAddr != "" {
		t.Errorf("Server.GRPCAddr = %q, want empty", cfg.Server.GRPCAddr)
	}
}

func TestLoad_TOML(t *testing.T) {
	t.Setenv("TEST_PAIRCHAT_SECRET", "abcdefghijklmnopqrstuvwxyz012345")

	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "0.0.0.0:9090"

[storage]
backend = "sqlite"

[database]
path = "./chat.db"

[live]
overflow_policy = "drop_oldest"
idle_channel_ttl = "1m"

[auth]
jwt_secret = "${TEST_PAIRCHAT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Live.IdleChannelTTL != time.Minute {
		t.Errorf("Live.IdleChannelTTL = %v, want 1m", cfg.Live.IdleChannelTTL)
	}
	if cfg.Auth.JWTSecret != "abcdefghijklmnopqrstuvwxyz012345" {
		t.Errorf("Auth.JWTSecret = %q, want expanded secret", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_PAIRCHAT_ADDR", "10.0.0.1:8080")
	t.Setenv("TEST_PAIRCHAT_DB", "/var/lib/pairchat/chat.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "${TEST_PAIRCHAT_ADDR}"
storage:
  dir: "./chats"
database:
  path: "${TEST_PAIRCHAT_DB}"
auth:
  jwt_secret: "${TEST_PAIRCHAT_UNSET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "10.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "10.0.0.1:8080")
	}
	if cfg.Database.Path != "/var/lib/pairchat/chat.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/pairchat/chat.db")
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty for unset variable", cfg.Auth.JWTSecret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
storage:
  dir: "./chats"
database:
  path: "./test.db"
live:
  idle_channel_ttl: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "live.idle_channel_ttl") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Storage:  StorageConfig{Backend: BackendFile, Dir: "./chats"},
			Database: DatabaseConfig{Path: "./test.db"},
			Live: LiveConfig{
				BufferSize:        8,
				OverflowPolicy:    "drop_oldest",
				HeartbeatInterval: time.Second,
			},
			Auth: AuthConfig{TokenTTL: time.Hour},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "pairchat"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"file backend without dir", func(c *Config) { c.Storage.Dir = "" }, "storage.dir"},
		{"sqlite backend without dir", func(c *Config) {
			c.Storage = StorageConfig{Backend: BackendSQLite}
		}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"bad policy", func(c *Config) { c.Live.OverflowPolicy = "block" }, "live.overflow_policy"},
		{"zero buffer", func(c *Config) { c.Live.BufferSize = 0 }, "live.buffer_size"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
