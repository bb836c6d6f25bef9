// Package config holds the tunables of the SmartBike link core: timeouts,
// polling cadence, staleness window, backoff shape, and the GATT
// characteristic UUIDs. Values come from struct-tag defaults, optionally
// overridden by a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// DeviceNamePrefix filters advertisements; SmartBike controllers
	// advertise as "iWoc ...".
	DeviceNamePrefix string `yaml:"device_name_prefix" default:"iWoc"`

	// ExpectedSerial, when set, is cross-checked against the decoded
	// device-info serial. A mismatch is logged, never fatal.
	ExpectedSerial string `yaml:"expected_serial"`

	// GATT characteristic UUIDs (16-bit short form accepted).
	NotifyUUID string `yaml:"notify_uuid" default:"ffd1"`
	WriteUUID  string `yaml:"write_uuid" default:"ffe2"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout" default:"15s"`

	// PollInterval drives telemetry refresh requests while connected.
	PollInterval time.Duration `yaml:"poll_interval" default:"30s"`

	// StalenessTimeout invalidates a sensor that has not updated even while
	// nominally connected. Must exceed PollInterval.
	StalenessTimeout time.Duration `yaml:"staleness_timeout" default:"90s"`

	// Reconnect backoff: capped exponential with jitter.
	BackoffInitial time.Duration `yaml:"backoff_initial" default:"2s"`
	BackoffMax     time.Duration `yaml:"backoff_max" default:"60s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`
	BackoffJitter  float64       `yaml:"backoff_jitter" default:"0.2"`
}

// Default returns the configuration with all struct-tag defaults applied.
func Default() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the supervisor cannot honor.
func (c *Config) Validate() error {
	if c.StalenessTimeout <= c.PollInterval {
		return fmt.Errorf("staleness_timeout (%s) must exceed poll_interval (%s)", c.StalenessTimeout, c.PollInterval)
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid backoff bounds: initial=%s max=%s", c.BackoffInitial, c.BackoffMax)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be >= 1, got %g", c.BackoffFactor)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoff_jitter must be in [0, 1), got %g", c.BackoffJitter)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
