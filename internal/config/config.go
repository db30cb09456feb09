// Package config provides configuration parsing and validation for Tunnelbana.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/tunnelbana/internal/transport"
)

// Config represents the complete configuration for either role.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Console ConsoleConfig `yaml:"console"`
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ConsoleConfig defines the interactive operator console.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig defines the server role: one tunnel listener that accepts a
// relay, plus a local SOCKS5 listener for clients.
type ServerConfig struct {
	TunnelAddress string    `yaml:"tunnel_address"`
	SOCKSAddress  string    `yaml:"socks_address"`
	Transport     string    `yaml:"transport"` // tcp, tls, ws, quic
	TLS           TLSConfig `yaml:"tls"`

	// AcceptRate and AcceptBurst rate-limit SOCKS client accepts.
	// Zero disables limiting.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// RelayConfig defines the relay role: dial out to a server and serve its
// channels from this network position.
type RelayConfig struct {
	ServerAddress string        `yaml:"server_address"`
	Transport     string        `yaml:"transport"` // tcp, tls, ws, quic
	TLS           ClientTLS     `yaml:"tls"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// TLSConfig defines server-side TLS settings. Empty cert and key make the
// server generate a self-signed certificate at startup.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// ClientTLS defines relay-side TLS settings.
type ClientTLS struct {
	CA                 string `yaml:"ca"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9641",
		},
		Console: ConsoleConfig{
			Enabled: false,
		},
		Server: ServerConfig{
			TunnelAddress: ":4433",
			SOCKSAddress:  "127.0.0.1:1080",
			Transport:     "tls",
			AcceptRate:    0,
			AcceptBurst:   0,
		},
		Relay: RelayConfig{
			Transport:   "tls",
			DialTimeout: 30 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	if _, err := transport.ParseKind(c.Server.Transport); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := transport.ParseKind(c.Relay.Transport); err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	if c.Server.TunnelAddress != "" {
		if err := validateAddress(c.Server.TunnelAddress); err != nil {
			return fmt.Errorf("server tunnel_address: %w", err)
		}
	}
	if c.Server.SOCKSAddress != "" {
		if err := validateAddress(c.Server.SOCKSAddress); err != nil {
			return fmt.Errorf("server socks_address: %w", err)
		}
	}
	if c.Metrics.Enabled {
		if err := validateAddress(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics address: %w", err)
		}
	}

	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		return fmt.Errorf("server tls: cert and key must both be set or both be empty")
	}

	if c.Server.AcceptRate < 0 {
		return fmt.Errorf("server accept_rate must not be negative")
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst <= 0 {
		return fmt.Errorf("server accept_burst must be positive when accept_rate is set")
	}

	if c.Relay.DialTimeout < 0 {
		return fmt.Errorf("relay dial_timeout must not be negative")
	}

	return nil
}

func validateAddress(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		return os.Getenv(name)
	})
}
