// ABOUTME: Configuration loading and parsing for coven-chat
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

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBPathEnv overrides database.path when set.
const DBPathEnv = "COVEN_CHAT_DB_PATH"

// Defaults applied after parsing
const (
	DefaultMaxLength      = 4000
	DefaultIdempotencyTTL = 10 * time.Minute
	DefaultIdempotencyMax = 10_000
	DefaultRedisChannel   = "coven-chat:invalidations"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Live      LiveConfig      `yaml:"live" toml:"live"`
	Messages  MessagesConfig  `yaml:"messages" toml:"messages"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional; serves grpc.health.v1 only
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP over the tailnet's TLS certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig selects and locates the store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file, or ":memory:"
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// SyncSecret, when set, must accompany POST /api/users as X-Sync-Secret.
	SyncSecret string `yaml:"sync_secret" toml:"sync_secret"`
}

// LiveConfig holds cross-node invalidation settings
type LiveConfig struct {
	RedisURL     string `yaml:"redis_url" toml:"redis_url"`
	RedisChannel string `yaml:"redis_channel" toml:"redis_channel"`
}

// MessagesConfig holds message validation and retry settings
type MessagesConfig struct {
	MaxLength      int           `yaml:"max_length" toml:"max_length"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`
	IdempotencyMax int           `yaml:"idempotency_max" toml:"idempotency_max"`

	// Raw string values for unmarshaling
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv(DBPathEnv); p != "" {
		cfg.Database.Path = p
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Live.RedisChannel == "" {
		c.Live.RedisChannel = DefaultRedisChannel
	}
	if c.Messages.MaxLength == 0 {
		c.Messages.MaxLength = DefaultMaxLength
	}
	if c.Messages.IdempotencyTTL == 0 {
		c.Messages.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Messages.IdempotencyMax == 0 {
		c.Messages.IdempotencyMax = DefaultIdempotencyMax
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
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, "":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Messages.MaxLength < 0 {
		return fmt.Errorf("messages.max_length must be positive")
	}
	if c.Messages.IdempotencyMax < 0 {
		return fmt.Errorf("messages.idempotency_max must be positive")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Messages.IdempotencyTTLRaw != "" {
		cfg.Messages.IdempotencyTTL, err = time.ParseDuration(cfg.Messages.IdempotencyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency_ttl %q: %w", cfg.Messages.IdempotencyTTLRaw, err)
		}
		if cfg.Messages.IdempotencyTTL <= 0 {
			return fmt.Errorf("idempotency_ttl must be positive, got %q", cfg.Messages.IdempotencyTTLRaw)
		}
	}

	return nil
}
