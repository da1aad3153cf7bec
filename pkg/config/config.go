package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/pkg/connection"
	"github.com/srg/blelink/scanner"
	"gopkg.in/yaml.v3"
)

// AppName names the default data directory.
const AppName = "blelink"

// Config holds application configuration. Zero-valued fields take the
// values of their default tags.
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	DataDir    string           `yaml:"data_dir"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ScanConfig configures discovery scans.
type ScanConfig struct {
	Duration        time.Duration `yaml:"duration" default:"5s"`
	Mode            string        `yaml:"mode" default:"balanced"`
	AllowDuplicates bool          `yaml:"allow_duplicates"`
	Services        []string      `yaml:"services"`
	NamePrefix      string        `yaml:"name_prefix"`
	AllowList       []string      `yaml:"allow"`
	BlockList       []string      `yaml:"block"`
}

// ConnectionConfig configures the connection manager.
type ConnectionConfig struct {
	ServiceUUID        string        `yaml:"service_uuid" default:"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"`
	CommandUUID        string        `yaml:"command_uuid" default:"6E400002-B5A3-F393-E0A9-E50E24DCCA9E"`
	ResponseUUID       string        `yaml:"response_uuid" default:"6E400003-B5A3-F393-E0A9-E50E24DCCA9E"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" default:"30s"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout" default:"10s"`
	AutoRetry          bool          `yaml:"auto_retry"`
	NotificationBuffer int           `yaml:"notification_buffer" default:"128"`
	EventBuffer        int           `yaml:"event_buffer" default:"16"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file and fills unset fields with
// defaults. An empty path yields DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks levels, modes, UUIDs and durations.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Scan.Duration < 0 {
		errs = append(errs, fmt.Errorf("scan.duration must not be negative, got %s", c.Scan.Duration))
	}
	if _, err := ParseScanMode(c.Scan.Mode); err != nil {
		errs = append(errs, fmt.Errorf("scan.mode: %w", err))
	}
	if len(c.Scan.Services) > 0 {
		if _, err := device.ValidateUUID(c.Scan.Services...); err != nil {
			errs = append(errs, fmt.Errorf("scan.services: %w", err))
		}
	}
	if _, err := device.ValidateUUID(c.Connection.ServiceUUID, c.Connection.CommandUUID, c.Connection.ResponseUUID); err != nil {
		errs = append(errs, fmt.Errorf("connection uuids: %w", err))
	}
	if c.Connection.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connection.connect_timeout must be positive, got %s", c.Connection.ConnectTimeout))
	}
	if c.Connection.DiscoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connection.discovery_timeout must be positive, got %s", c.Connection.DiscoveryTimeout))
	}

	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ParseScanMode parses a scan mode name as printed by device.ScanMode.String.
func ParseScanMode(s string) (device.ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return device.ScanModeBalanced, nil
	case "low_power", "low-power":
		return device.ScanModeLowPower, nil
	case "low_latency", "low-latency":
		return device.ScanModeLowLatency, nil
	case "opportunistic":
		return device.ScanModeOpportunistic, nil
	default:
		return device.ScanModeBalanced, fmt.Errorf("unknown scan mode %q", s)
	}
}

// ScanOptions builds scanner options. The mode must already be valid.
func (c *Config) ScanOptions() *scanner.ScanOptions {
	mode, _ := ParseScanMode(c.Scan.Mode)

	opts := scanner.DefaultScanOptions()
	opts.Duration = c.Scan.Duration
	opts.Filter = device.ScanFilter{
		ServiceUUIDs: device.NormalizeUUIDs(c.Scan.Services),
		AllowList:    c.Scan.AllowList,
		BlockList:    c.Scan.BlockList,
		NamePrefix:   c.Scan.NamePrefix,
	}
	opts.Settings = device.ScanSettings{
		AllowDuplicates: c.Scan.AllowDuplicates,
		Mode:            mode,
	}
	return opts
}

// ConnectionOptions builds connection manager options.
func (c *Config) ConnectionOptions() *connection.Options {
	return &connection.Options{
		ServiceUUID:        c.Connection.ServiceUUID,
		CommandUUID:        c.Connection.CommandUUID,
		ResponseUUID:       c.Connection.ResponseUUID,
		ConnectTimeout:     c.Connection.ConnectTimeout,
		DiscoveryTimeout:   c.Connection.DiscoveryTimeout,
		AutoRetry:          c.Connection.AutoRetry,
		NotificationBuffer: c.Connection.NotificationBuffer,
	}
}

// ResolveDataDir returns DataDir, or the per-user config directory when unset.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(base, AppName), nil
}
