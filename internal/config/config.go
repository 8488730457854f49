// ABOUTME: Configuration loading and parsing for the device gateway.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete device gateway configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Tailscale TailscaleConfig         `yaml:"tailscale"`
	Database  DatabaseConfig          `yaml:"database"`
	Auth      AuthConfig              `yaml:"auth"`
	Timing    TimingConfig            `yaml:"timing"`
	Devices   map[string]DeviceConfig `yaml:"devices"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds the listening address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds tsnet listener configuration. When enabled, the
// gateway serves on the tailnet instead of a plain TCP bind.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
}

// DatabaseConfig holds the SQLite database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the shared secret devices present during the handshake.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// TimingConfig holds the connection protocol timers. Values are duration
// strings in YAML and resolved in ApplyDefaults.
type TimingConfig struct {
	AuthWindow   time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`
	PongTimeout  time.Duration `yaml:"-"`
	TickInterval time.Duration `yaml:"-"`

	AuthWindowRaw   string `yaml:"auth_window"`
	PingIntervalRaw string `yaml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout"`
	TickIntervalRaw string `yaml:"tick_interval"`
}

// DeviceConfig is static per-device configuration.
type DeviceConfig struct {
	Push PushConfig `yaml:"push"`
}

// PushConfig is a statically configured push registration, used as a
// fallback when a device never registered a token at runtime.
type PushConfig struct {
	Token       string `yaml:"token"`
	Topic       string `yaml:"topic"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// duration strings parsed, defaults applied, and the result validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset timing values with the protocol defaults.
func (c *Config) ApplyDefaults() {
	if c.Timing.AuthWindow == 0 {
		c.Timing.AuthWindow = 5 * time.Second
	}
	if c.Timing.PingInterval == 0 {
		c.Timing.PingInterval = 30 * time.Second
	}
	if c.Timing.PongTimeout == 0 {
		c.Timing.PongTimeout = 10 * time.Second
	}
	if c.Timing.TickInterval == 0 {
		c.Timing.TickInterval = 55 * time.Second
	}
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Timing.AuthWindowRaw, "auth_window", &c.Timing.AuthWindow},
		{c.Timing.PingIntervalRaw, "ping_interval", &c.Timing.PingInterval},
		{c.Timing.PongTimeoutRaw, "pong_timeout", &c.Timing.PongTimeout},
		{c.Timing.TickIntervalRaw, "tick_interval", &c.Timing.TickInterval},
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
