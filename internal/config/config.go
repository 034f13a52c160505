// Package config loads gatekeeper configuration from YAML files.
// Environment variables in the form ${VAR_NAME} are expanded before parsing,
// and REDIS_URL overrides redis.url when set.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gatekeeper configuration
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Intermediary IntermediaryConfig `yaml:"intermediary"`
	HTTP         HTTPConfig         `yaml:"http"`
	Redis        RedisConfig        `yaml:"redis"`
	Admin        AdminConfig        `yaml:"admin"`
	Challenge    ChallengeConfig    `yaml:"challenge"`
	Permission   PermissionConfig   `yaml:"permission"`
	Registry     RegistryConfig     `yaml:"registry"`
	Session      SessionConfig      `yaml:"session"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NodeConfig describes the local libp2p node
type NodeConfig struct {
	KeyFile     string   `yaml:"key_file"`
	ListenAddrs []string `yaml:"listen_addrs"`
	// EthereumKeyFile switches the protocol identity to an Ethereum address
	EthereumKeyFile string `yaml:"ethereum_key_file"`
}

// IntermediaryConfig points peers at the shared intermediary
type IntermediaryConfig struct {
	Addr string `yaml:"addr"` // multiaddr including /p2p/<peer id>
}

// HTTPConfig holds the admin API listener
type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the admin API
}

// RedisConfig selects Redis-backed stores and events when URL is set
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AdminConfig holds admin API authentication
type AdminConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
}

// ChallengeConfig controls challenge lifetime
type ChallengeConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// PermissionConfig controls permission request lifetime
type PermissionConfig struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// RegistryConfig controls the address registry
type RegistryConfig struct {
	AllowUnauthenticatedWrites bool `yaml:"allow_unauthenticated_writes"`
}

// SessionConfig controls client-side orchestration
type SessionConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`
	PollAttempts       int      `yaml:"poll_attempts"`
	DialTimeout        Duration `yaml:"dial_timeout"`
	HandshakeTimeout   Duration `yaml:"handshake_timeout"`
	AcceptPollInterval Duration `yaml:"accept_poll_interval"`
}

// ServerConfig tunes the intermediary stream server
type ServerConfig struct {
	StreamRate  float64  `yaml:"stream_rate"` // requests per second per stream
	StreamBurst int      `yaml:"stream_burst"`
	IdleTimeout Duration `yaml:"idle_timeout"`
	StoreShards int      `yaml:"store_shards"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration that unmarshals from strings like "5m"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			KeyFile:     "gatekeeper.key",
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"},
		},
		Admin: AdminConfig{
			TokenTTL: Duration(time.Hour),
		},
		Challenge: ChallengeConfig{
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Permission: PermissionConfig{
			TTL:           Duration(10 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Session: SessionConfig{
			PollInterval:       Duration(5 * time.Second),
			PollAttempts:       60,
			DialTimeout:        Duration(30 * time.Second),
			HandshakeTimeout:   Duration(30 * time.Second),
			AcceptPollInterval: Duration(5 * time.Second),
		},
		Server: ServerConfig{
			StreamRate:  20,
			StreamBurst: 40,
			IdleTimeout: Duration(2 * time.Minute),
			StoreShards: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a configuration file on top of the defaults. An empty path
// returns the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge.ttl must be positive"))
	}
	if c.Permission.TTL <= 0 {
		errs = append(errs, errors.New("permission.ttl must be positive"))
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session.poll_interval must be positive"))
	}
	if c.Session.PollAttempts <= 0 {
		errs = append(errs, errors.New("session.poll_attempts must be positive"))
	}
	if c.Session.DialTimeout <= 0 {
		errs = append(errs, errors.New("session.dial_timeout must be positive"))
	}
	if c.Server.StreamRate <= 0 || c.Server.StreamBurst <= 0 {
		errs = append(errs, errors.New("server.stream_rate and server.stream_burst must be positive"))
	}
	if c.HTTP.Addr != "" && c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 32 bytes"))
	}

	return errors.Join(errs...)
}
