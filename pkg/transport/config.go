package transport

import (
	"errors"
	"time"
)

// Default configuration values.
const (
	DefaultAckTimeout  = 10 * time.Second
	DefaultDialTimeout = 10 * time.Second
	DefaultEventBuffer = 64
)

// Config holds channel configuration.
type Config struct {
	// HostURL is the WebSocket URL of the host interception process.
	HostURL string

	// Token authenticates the driver to the host. Optional.
	Token string

	// AckTimeout bounds how long an emission waits for the host ack.
	AckTimeout time.Duration

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int
}

// DefaultConfig returns a Config with default values. HostURL must still be
// set by the caller.
func DefaultConfig() *Config {
	return &Config{
		AckTimeout:  DefaultAckTimeout,
		DialTimeout: DefaultDialTimeout,
		EventBuffer: DefaultEventBuffer,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.HostURL == "" {
		return errors.New("host URL is required")
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack timeout must be positive")
	}
	return nil
}
