// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-chat/internal/chat"
)

// Backend names accepted in transport.backend.
const (
	BackendLocal  = "local"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendMatrix = "matrix"
)

const (
	DefaultHistoryLimit   = 50
	MaxHistoryLimit       = 500
	DefaultRequestTimeout = 5 * time.Second
	DefaultTypingTimeout  = 6 * time.Second
	DefaultChannel        = "general"
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "COVEN_CHAT_CONFIG"

var backends = []string{BackendLocal, BackendNATS, BackendRedis, BackendMatrix}

// Config represents the complete coven-chat configuration
type Config struct {
	User      UserConfig      `yaml:"user" toml:"user"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Local     LocalConfig     `yaml:"local" toml:"local"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// UserConfig identifies the local user
type UserConfig struct {
	ID string `yaml:"id" toml:"id"`
}

// TransportConfig selects the backend and its shared timing
type TransportConfig struct {
	Backend      string `yaml:"backend" toml:"backend"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	TypingTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	TypingTimeoutRaw  string `yaml:"typing_timeout" toml:"typing_timeout"`
}

// LocalConfig holds the in-process backend's SQLite location
type LocalConfig struct {
	DatabasePath string `yaml:"database_path" toml:"database_path"`
}

// NATSConfig holds JetStream connection settings
type NATSConfig struct {
	URL           string        `yaml:"url" toml:"url"`
	Stream        string        `yaml:"stream" toml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix" toml:"subject_prefix"`
	MaxAge        time.Duration `yaml:"-" toml:"-"`
	MaxAgeRaw     string        `yaml:"max_age" toml:"max_age"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
	MaxLen    int64  `yaml:"max_len" toml:"max_len"`
}

// MatrixConfig holds homeserver credentials and the channel to room mapping
type MatrixConfig struct {
	Homeserver  string            `yaml:"homeserver" toml:"homeserver"`
	UserID      string            `yaml:"user_id" toml:"user_id"`
	AccessToken string            `yaml:"access_token" toml:"access_token"`
	Rooms       map[string]string `yaml:"rooms" toml:"rooms"`
}

// ChannelsConfig lists the open channels offered in the channel menu
type ChannelsConfig struct {
	Default string   `yaml:"default" toml:"default"`
	Open    []string `yaml:"open" toml:"open"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a local-backend configuration for the given user.
func Default(userID string) *Config {
	cfg := &Config{User: UserConfig{ID: userID}}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPath returns where the config lives when no path is given:
// $COVEN_CHAT_CONFIG, then $XDG_CONFIG_HOME/coven/chat.yaml, then
// ~/.config/coven/chat.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "chat.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "coven", "chat.yaml")
	}
	return filepath.Join(home, ".config", "coven", "chat.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields. Backend-specific defaults live with each backend.
func (c *Config) ApplyDefaults() {
	if c.Transport.Backend == "" {
		c.Transport.Backend = BackendLocal
	}
	c.Transport.Backend = strings.ToLower(c.Transport.Backend)
	if c.Transport.HistoryLimit == 0 {
		c.Transport.HistoryLimit = DefaultHistoryLimit
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = DefaultRequestTimeout
	}
	if c.Transport.TypingTimeout == 0 {
		c.Transport.TypingTimeout = DefaultTypingTimeout
	}
	if c.Local.DatabasePath == "" {
		c.Local.DatabasePath = ":memory:"
	}
	if c.Matrix.UserID == "" && c.Transport.Backend == BackendMatrix {
		c.Matrix.UserID = c.User.ID
	}
	if c.Channels.Default == "" {
		c.Channels.Default = DefaultChannel
	}
	if !slices.Contains(c.Channels.Open, c.Channels.Default) {
		c.Channels.Open = append([]string{c.Channels.Default}, c.Channels.Open...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.User.ID) == "" {
		return fmt.Errorf("user.id is required")
	}

	if !slices.Contains(backends, c.Transport.Backend) {
		return fmt.Errorf("transport.backend %q is not one of %s", c.Transport.Backend, strings.Join(backends, ", "))
	}

	if c.Transport.HistoryLimit < 1 || c.Transport.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("transport.history_limit must be between 1 and %d", MaxHistoryLimit)
	}

	if c.Transport.RequestTimeout < 0 || c.Transport.TypingTimeout < 0 {
		return fmt.Errorf("transport timeouts must not be negative")
	}

	switch c.Transport.Backend {
	case BackendNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	case BackendMatrix:
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required for the matrix backend")
		}
		u, err := url.Parse(c.Matrix.Homeserver)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("matrix.homeserver must be an http or https URL")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required for the matrix backend")
		}
		if len(c.Matrix.Rooms) == 0 {
			return fmt.Errorf("matrix.rooms must map at least one channel")
		}
	}

	for name := range c.Matrix.Rooms {
		if _, err := chat.ParseChannel(name); err != nil {
			return fmt.Errorf("matrix.rooms key %q: %w", name, err)
		}
	}

	for _, id := range c.Channels.Open {
		if err := chat.Open(id).Validate(); err != nil {
			return fmt.Errorf("channels.open entry %q: %w", id, err)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
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
		{"request_timeout", cfg.Transport.RequestTimeoutRaw, &cfg.Transport.RequestTimeout},
		{"typing_timeout", cfg.Transport.TypingTimeoutRaw, &cfg.Transport.TypingTimeout},
		{"max_age", cfg.NATS.MaxAgeRaw, &cfg.NATS.MaxAge},
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
