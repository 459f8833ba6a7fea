// ABOUTME: Configuration loading and parsing for coven-presence
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

	"github.com/2389/coven-presence/internal/auth"
	"github.com/2389/coven-presence/internal/bucketurl"
	"github.com/2389/coven-presence/internal/cluster"
	"github.com/2389/coven-presence/internal/signer"
)

// MemoryDatabase selects the in-process tracking store.
const MemoryDatabase = ":memory:"

// Config represents the complete coven-presence configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Bucket    BucketConfig    `yaml:"bucket" toml:"bucket"`
	Cluster   ClusterConfig   `yaml:"cluster" toml:"cluster"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address and identity configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// ServerID is this node's cluster identity, written into tracking records.
	// Defaults to the hostname.
	ServerID string `yaml:"server_id" toml:"server_id"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the tracking store location
type DatabaseConfig struct {
	// Path to the SQLite file shared by cluster nodes. Empty or ":memory:"
	// keeps tracking records in process memory.
	Path string `yaml:"path" toml:"path"`
	// RedisURL selects a Redis tracking store and takes precedence over Path.
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
}

// InMemory reports whether tracking records stay in process memory.
func (d DatabaseConfig) InMemory() bool {
	return d.RedisURL == "" && (d.Path == "" || d.Path == MemoryDatabase)
}

// AuthConfig holds bearer JWT configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BucketConfig holds bucket token and URL configuration
type BucketConfig struct {
	// SigningSecret is shared by every node of a cluster. Empty generates a
	// random per-process key, so tokens only verify on the node that issued them.
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
	Algorithm     string `yaml:"algorithm" toml:"algorithm"`
	URLPattern    string `yaml:"url_pattern" toml:"url_pattern"`
	MaxBuckets    int    `yaml:"max_buckets" toml:"max_buckets"`
	// TrustHostHeader fills {1} and {2} from the Host header instead of
	// the local address. Only safe behind a proxy that sets Host.
	TrustHostHeader bool `yaml:"trust_host_header" toml:"trust_host_header"`

	MaxAge  time.Duration `yaml:"-" toml:"-"`
	IdleTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	MaxAgeRaw  string `yaml:"max_age" toml:"max_age"`
	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl"`
}

// ClusterConfig holds cluster tracking configuration
type ClusterConfig struct {
	TrackingCookie string `yaml:"tracking_cookie" toml:"tracking_cookie"`

	// TrackingTTL expires Redis tracking records; 0 keeps them.
	TrackingTTL    time.Duration `yaml:"-" toml:"-"`
	TrackingTTLRaw string        `yaml:"tracking_ttl" toml:"tracking_ttl"`
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

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
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

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

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
	if c.Bucket.Algorithm == "" {
		c.Bucket.Algorithm = signer.DefaultAlgorithm
	}
	if c.Bucket.URLPattern == "" {
		c.Bucket.URLPattern = bucketurl.DefaultPattern
	}
	if c.Cluster.TrackingCookie == "" {
		c.Cluster.TrackingCookie = cluster.DefaultTrackingCookie
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
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if !signer.ValidAlgorithm(c.Bucket.Algorithm) {
		return fmt.Errorf("bucket.algorithm %q is not supported (use HS256, HS384 or HS512)", c.Bucket.Algorithm)
	}

	if _, err := bucketurl.ParseTemplate(c.Bucket.URLPattern); err != nil {
		return fmt.Errorf("bucket.url_pattern: %w", err)
	}

	if c.Bucket.MaxBuckets < 0 {
		return fmt.Errorf("bucket.max_buckets must not be negative")
	}
	if c.Bucket.MaxAge < 0 {
		return fmt.Errorf("bucket.max_age must not be negative")
	}
	if c.Bucket.IdleTTL < 0 {
		return fmt.Errorf("bucket.idle_ttl must not be negative")
	}
	if c.Cluster.TrackingTTL < 0 {
		return fmt.Errorf("cluster.tracking_ttl must not be negative")
	}

	if c.Database.RedisURL != "" &&
		!strings.HasPrefix(c.Database.RedisURL, "redis://") &&
		!strings.HasPrefix(c.Database.RedisURL, "rediss://") {
		return fmt.Errorf("database.redis_url must use redis:// or rediss://")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bucket.MaxAgeRaw != "" {
		cfg.Bucket.MaxAge, err = time.ParseDuration(cfg.Bucket.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_age %q: %w", cfg.Bucket.MaxAgeRaw, err)
		}
	}

	if cfg.Bucket.IdleTTLRaw != "" {
		cfg.Bucket.IdleTTL, err = time.ParseDuration(cfg.Bucket.IdleTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_ttl %q: %w", cfg.Bucket.IdleTTLRaw, err)
		}
	}

	if cfg.Cluster.TrackingTTLRaw != "" {
		cfg.Cluster.TrackingTTL, err = time.ParseDuration(cfg.Cluster.TrackingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing tracking_ttl %q: %w", cfg.Cluster.TrackingTTLRaw, err)
		}
	}

	return nil
}
