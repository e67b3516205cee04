package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultHostURL     = "ws://127.0.0.1:9400/driver"
	DefaultAckTimeout  = 10 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
)

// Config holds driver configuration.
type Config struct {
	// HostURL is the WebSocket URL of the host interception process.
	HostURL string `yaml:"hostUrl"`

	// Token authenticates the driver to the host, if the host requires it.
	Token string `yaml:"token,omitempty"`

	// AckTimeout bounds how long an outbound emission waits for the host
	// acknowledgment.
	AckTimeout time.Duration `yaml:"ackTimeout,omitempty"`

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel,omitempty"`

	// LogFormat is the log output format (text, json).
	LogFormat string `yaml:"logFormat,omitempty"`
}

// UnmarshalYAML implements custom YAML unmarshaling so duration fields
// accept human-friendly strings like "5s" or "1m30s".
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HostURL     string `yaml:"hostUrl"`
		Token       string `yaml:"token"`
		AckTimeout  string `yaml:"ackTimeout"`
		DialTimeout string `yaml:"dialTimeout"`
		LogLevel    string `yaml:"logLevel"`
		LogFormat   string `yaml:"logFormat"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.HostURL = raw.HostURL
	c.Token = raw.Token
	c.LogLevel = raw.LogLevel
	c.LogFormat = raw.LogFormat

	var err error
	if c.AckTimeout, err = parseDuration(raw.AckTimeout); err != nil {
		return fmt.Errorf("ackTimeout: %w", err)
	}
	if c.DialTimeout, err = parseDuration(raw.DialTimeout); err != nil {
		return fmt.Errorf("dialTimeout: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		HostURL:     DefaultHostURL,
		AckTimeout:  DefaultAckTimeout,
		DialTimeout: DefaultDialTimeout,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
	}
}

// Load reads a YAML config file, applies defaults for unset fields, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.HostURL == "" {
		c.HostURL = DefaultHostURL
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.HostURL == "" {
		return errors.New("hostUrl is required")
	}
	u, err := url.Parse(c.HostURL)
	if err != nil {
		return fmt.Errorf("invalid hostUrl: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hostUrl must use ws or wss scheme, got %q", u.Scheme)
	}
	return nil
}
