// Package config loads the bit-tunnel client configuration from YAML or
// JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/luckypoem/bit-tunnel/logging"
	"github.com/luckypoem/bit-tunnel/transport"
)

// Config represents the complete client configuration
type Config struct {
	Server  ServerConfig        `yaml:"server" json:"server"`
	SOCKS   SOCKSConfig         `yaml:"socks" json:"socks"`
	Metrics MetricsConfig       `yaml:"metrics" json:"metrics"`
	TLS     transport.TLSConfig `yaml:"tls" json:"tls"`
	Obfs    ObfsConfig          `yaml:"obfs" json:"obfs"`
	Logging logging.Config      `yaml:"logging" json:"logging"`
}

// ServerConfig defines the tunnel server endpoint and tunnel behavior
type ServerConfig struct {
	Address     string `yaml:"address" json:"address"`           // host:port of the tunnel server
	TunnelCount int    `yaml:"tunnel_count" json:"tunnel_count"` // concurrent tunnel connections
	HeartbeatMS int    `yaml:"heartbeat_ms" json:"heartbeat_ms"` // heartbeat interval, milliseconds
	EnableTLS   bool   `yaml:"enable_tls" json:"enable_tls"`
}

// SOCKSConfig defines the local SOCKS5 front-end
type SOCKSConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"` // default "127.0.0.1:1080"
}

// MetricsConfig defines the optional Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"` // empty disables metrics
}

// ObfsConfig defines the optional stream obfuscation layer
type ObfsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Secret  string `yaml:"secret" json:"secret"`
}

// Loader provides configuration loading functionality
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses configuration from file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine format by extension
	ext := filepath.Ext(path)

	var config Config
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	l.setDefaults(&config)

	return &config, nil
}

// Validate checks configuration validity
func (l *Loader) Validate(config *Config) error {
	if config.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if config.Server.TunnelCount < 0 {
		return fmt.Errorf("server.tunnel_count must not be negative")
	}

	if config.Server.EnableTLS {
		if config.TLS.CAFile != "" {
			if _, err := os.Stat(config.TLS.CAFile); err != nil {
				return fmt.Errorf("ca_file not found: %s", config.TLS.CAFile)
			}
		}
		if config.TLS.CertFile != "" {
			if _, err := os.Stat(config.TLS.CertFile); err != nil {
				return fmt.Errorf("cert_file not found: %s", config.TLS.CertFile)
			}
		}
		if config.TLS.KeyFile != "" {
			if _, err := os.Stat(config.TLS.KeyFile); err != nil {
				return fmt.Errorf("key_file not found: %s", config.TLS.KeyFile)
			}
		}
	}

	if config.Obfs.Enabled && config.Obfs.Secret == "" {
		return fmt.Errorf("obfs.secret is required when obfs is enabled")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	return nil
}

// setDefaults sets default values for optional fields
func (l *Loader) setDefaults(config *Config) {
	if config.Server.TunnelCount == 0 {
		config.Server.TunnelCount = 2
	}

	if config.SOCKS.ListenAddr == "" {
		config.SOCKS.ListenAddr = "127.0.0.1:1080"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
}
