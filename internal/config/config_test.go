// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"errors"
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
	configPath := writeConfig(t, "chat.yaml", `
user:
  id: "alice"

transport:
  backend: "nats"
  history_limit: 100
  request_timeout: "3s"
  typing_timeout: "8s"

nats:
  url: "nats://127.0.0.1:4222"
  stream: "CHAT"
  subject_prefix: "chat"
  max_age: "24h"

channels:
  default: "general"
  open:
    - "general"
    - "random"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.User.ID != "alice" {
		t.Errorf("User.ID = %q, want %q", cfg.User.ID, "alice")
	}
	if cfg.Transport.Backend != BackendNATS {
		t.Errorf("Transport.Backend = %q, want %q", cfg.Transport.Backend, BackendNATS)
	}
	if cfg.Transport.HistoryLimit != 100 {
		t.Errorf("Transport.HistoryLimit = %d, want 100", cfg.Transport.HistoryLimit)
	}
	if cfg.Transport.RequestTimeout != 3*time.Second {
		t.Errorf("Transport.RequestTimeout = %v, want 3s", cfg.Transport.RequestTimeout)
	}
	if cfg.Transport.TypingTimeout != 8*time.Second {
		t.Errorf("Transport.TypingTimeout = %v, want 8s", cfg.Transport.TypingTimeout)
	}
	if cfg.NATS.Stream != "CHAT" {
		t.Errorf("NATS.Stream = %q, want %q", cfg.NATS.Stream, "CHAT")
	}
	if cfg.NATS.MaxAge != 24*time.Hour {
		t.Errorf("NATS.MaxAge = %v, want 24h", cfg.NATS.MaxAge)
	}
	if len(cfg.Channels.Open) != 2 || cfg.Channels.Open[1] != "random" {
		t.Errorf("Channels.Open = %v, want [general random]", cfg.Channels.Open)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "chat.toml", `
[user]
id = "bob"

[transport]
backend = "matrix"
typing_timeout = "20s"

[matrix]
homeserver = "https://matrix.example.org"
access_token = "tok"

[matrix.rooms]
"open:general" = "!abc:example.org"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Backend != BackendMatrix {
		t.Errorf("Transport.Backend = %q, want %q", cfg.Transport.Backend, BackendMatrix)
	}
	if cfg.Transport.TypingTimeout != 20*time.Second {
		t.Errorf("Transport.TypingTimeout = %v, want 20s", cfg.Transport.TypingTimeout)
	}
	if cfg.Matrix.Rooms["open:general"] != "!abc:example.org" {
		t.Errorf("Matrix.Rooms = %v", cfg.Matrix.Rooms)
	}
	if cfg.Matrix.UserID != "bob" {
		t.Errorf("Matrix.UserID = %q, want it to default to user.id", cfg.Matrix.UserID)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", `
user:
  id: "alice"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Backend != BackendLocal {
		t.Errorf("Transport.Backend = %q, want %q", cfg.Transport.Backend, BackendLocal)
	}
	if cfg.Transport.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("Transport.HistoryLimit = %d, want %d", cfg.Transport.HistoryLimit, DefaultHistoryLimit)
	}
	if cfg.Transport.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Transport.RequestTimeout = %v, want %v", cfg.Transport.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Local.DatabasePath != ":memory:" {
		t.Errorf("Local.DatabasePath = %q, want :memory:", cfg.Local.DatabasePath)
	}
	if cfg.Channels.Default != DefaultChannel {
		t.Errorf("Channels.Default = %q, want %q", cfg.Channels.Default, DefaultChannel)
	}
	if len(cfg.Channels.Open) != 1 || cfg.Channels.Open[0] != DefaultChannel {
		t.Errorf("Channels.Open = %v, want the default channel", cfg.Channels.Open)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_USER", "carol")
	t.Setenv("TEST_REDIS_PASSWORD", "hunter2")

	configPath := writeConfig(t, "chat.yaml", `
user:
  id: "${TEST_CHAT_USER}"
transport:
  backend: "redis"
redis:
  addr: "127.0.0.1:6379"
  password: "${TEST_REDIS_PASSWORD}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.User.ID != "carol" {
		t.Errorf("User.ID = %q, want %q", cfg.User.ID, "carol")
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("Redis.Password = %q, want %q", cfg.Redis.Password, "hunter2")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/chat.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", "user:\n  id: [unclosed\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %v, want parsing error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", `
user:
  id: "alice"
transport:
  typing_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "typing_timeout") {
		t.Errorf("Load() error = %v, want mention of typing_timeout", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing user", func(c *Config) { c.User.ID = " " }, "user.id is required"},
		{"unknown backend", func(c *Config) { c.Transport.Backend = "kafka" }, "transport.backend"},
		{"history limit too large", func(c *Config) { c.Transport.HistoryLimit = 501 }, "history_limit"},
		{"history limit negative", func(c *Config) { c.Transport.HistoryLimit = -1 }, "history_limit"},
		{"nats without url", func(c *Config) { c.Transport.Backend = BackendNATS }, "nats.url"},
		{"redis without addr", func(c *Config) { c.Transport.Backend = BackendRedis }, "redis.addr"},
		{"matrix without homeserver", func(c *Config) { c.Transport.Backend = BackendMatrix }, "matrix.homeserver"},
		{"matrix with bad scheme", func(c *Config) {
			c.Transport.Backend = BackendMatrix
			c.Matrix.Homeserver = "ftp://example.org"
		}, "http or https"},
		{"matrix without rooms", func(c *Config) {
			c.Transport.Backend = BackendMatrix
			c.Matrix.Homeserver = "https://example.org"
			c.Matrix.AccessToken = "tok"
		}, "matrix.rooms"},
		{"bad room key", func(c *Config) { c.Matrix.Rooms = map[string]string{"general": "!a:x"} }, "matrix.rooms key"},
		{"empty open channel", func(c *Config) { c.Channels.Open = append(c.Channels.Open, "  ") }, "channels.open"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("alice")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvPath, "/etc/coven/chat.toml")
	if got := DefaultPath(); got != "/etc/coven/chat.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "coven", "chat.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG path", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_A", "one")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${TEST_A}", "one"},
		{"x-${TEST_A}-${TEST_A}", "x-one-one"},
		{"${TEST_UNSET_VAR_12345}", ""},
		{"$TEST_A", "$TEST_A"},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
