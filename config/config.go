// Package config loads the server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bind is the address to listen on, empty for all interfaces.
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// UDPPort enables a datagram endpoint when non-zero.
	UDPPort int `yaml:"udp-port"`

	BufferSize    int           `yaml:"buffer-size"`
	DirectBuffers bool          `yaml:"direct-buffers"`
	PollTimeout   time.Duration `yaml:"poll-timeout"`
	MaxEvents     int           `yaml:"max-events"`

	LogLevel string `yaml:"log-level"`
	// Echo writes received bytes back to the sender instead of only logging them.
	Echo bool `yaml:"echo"`
}

func Default() *Config {
	return &Config{
		Port:        9898,
		BufferSize:  4096,
		PollTimeout: time.Second,
		MaxEvents:   1024,
		LogLevel:    "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		errs = append(errs, fmt.Errorf("udp-port %d out of range", c.UDPPort))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer-size must be positive, got %d", c.BufferSize))
	}
	if c.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("max-events must not be negative, got %d", c.MaxEvents))
	}
	if c.Bind != "" && net.ParseIP(c.Bind) == nil {
		errs = append(errs, fmt.Errorf("bind %q is not an IP address", c.Bind))
	}
	return errors.Join(errs...)
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// UDPAddr is the datagram listen address, empty when disabled.
func (c *Config) UDPAddr() string {
	if c.UDPPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.UDPPort))
}
