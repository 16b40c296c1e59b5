// Package config loads the YAML-driven tunables for an rspd process:
// multicast group/interface, protocol constants, logging, and the metrics
// listener.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rspnet/rsp/pkg/rsp"
)

// Config is the full on-disk shape of an rspd configuration file.
type Config struct {
	Multicast MulticastConfig `yaml:"multicast"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MulticastConfig names the group this process joins.
type MulticastConfig struct {
	GroupAddress string `yaml:"group_address"` // e.g. "239.0.0.1:9123"
	Interface    string `yaml:"interface"`      // empty = let the OS pick
	TTL          int    `yaml:"ttl"`            // default: 1 (link-local)
}

// ProtocolConfig carries the RSP tunables from spec.md §6.
type ProtocolConfig struct {
	MTU         int `yaml:"mtu"`          // default: 1500
	AckFreq     int `yaml:"ack_freq"`     // default: 64
	InitialRate int `yaml:"initial_rate"` // bytes/sec, default: 4 buffers/sec

	NBuffers          int `yaml:"n_buffers"`           // per-sender receive-slot ring depth, default: 4
	HelloAttempts     int `yaml:"hello_attempts"`      // HELLO attempts during ID acquisition, default: 10
	HelloIntervalMS   int `yaml:"hello_interval_ms"`   // gap between HELLO attempts, default: 100
	FatalTimeoutLimit int `yaml:"fatal_timeout_limit"` // consecutive event-loop timeouts mid-write before Unreachable, default: 1000
}

// LoggingConfig selects the zerolog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // "console" or "json", default: "json"
}

// MetricsConfig controls the Prometheus HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default: "127.0.0.1:9464"
}

// Load reads and validates path, applying the defaults documented on each
// field above.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rspd config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing rspd config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating rspd config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Multicast.TTL == 0 {
		c.Multicast.TTL = 1
	}
	if c.Protocol.MTU == 0 {
		c.Protocol.MTU = 1500
	}
	if c.Protocol.AckFreq == 0 {
		c.Protocol.AckFreq = 64
	}
	if c.Protocol.NBuffers == 0 {
		c.Protocol.NBuffers = 4
	}
	if c.Protocol.HelloAttempts == 0 {
		c.Protocol.HelloAttempts = 10
	}
	if c.Protocol.HelloIntervalMS == 0 {
		c.Protocol.HelloIntervalMS = 100
	}
	if c.Protocol.FatalTimeoutLimit == 0 {
		c.Protocol.FatalTimeoutLimit = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
}

func (c *Config) validate() error {
	if c.Multicast.GroupAddress == "" {
		return fmt.Errorf("multicast.group_address is required")
	}
	if c.Protocol.MTU < 64 {
		return fmt.Errorf("protocol.mtu must be at least 64, got %d", c.Protocol.MTU)
	}
	if c.Protocol.AckFreq < 1 {
		return fmt.Errorf("protocol.ack_freq must be at least 1, got %d", c.Protocol.AckFreq)
	}
	if c.Protocol.NBuffers < 1 {
		return fmt.Errorf("protocol.n_buffers must be at least 1, got %d", c.Protocol.NBuffers)
	}
	if c.Protocol.HelloAttempts < 1 {
		return fmt.Errorf("protocol.hello_attempts must be at least 1, got %d", c.Protocol.HelloAttempts)
	}
	if c.Protocol.HelloIntervalMS < 1 {
		return fmt.Errorf("protocol.hello_interval_ms must be at least 1, got %d", c.Protocol.HelloIntervalMS)
	}
	if c.Protocol.FatalTimeoutLimit < 1 {
		return fmt.Errorf("protocol.fatal_timeout_limit must be at least 1, got %d", c.Protocol.FatalTimeoutLimit)
	}
	return nil
}

// RSPConfig translates the on-disk shape into rsp.Config.
func (c *Config) RSPConfig() rsp.Config {
	return rsp.Config{
		GroupAddress:      c.Multicast.GroupAddress,
		Interface:         c.Multicast.Interface,
		MTU:               c.Protocol.MTU,
		AckFreq:           c.Protocol.AckFreq,
		TTL:               c.Multicast.TTL,
		InitialRate:       c.Protocol.InitialRate,
		NBuffers:          c.Protocol.NBuffers,
		HelloAttempts:     c.Protocol.HelloAttempts,
		HelloInterval:     time.Duration(c.Protocol.HelloIntervalMS) * time.Millisecond,
		FatalTimeoutLimit: c.Protocol.FatalTimeoutLimit,
	}
}
