// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for tplinker.
//
// Configuration files are YAML, or TOML when the file name ends in .toml.
// Environment variables override file values, then defaults fill the gaps
// and the result is validated.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Devices       []DeviceConfig      `yaml:"devices" toml:"devices" validate:"dive"`
	Discovery     DiscoveryConfig     `yaml:"discovery" toml:"discovery"`
	Client        ClientConfig        `yaml:"client" toml:"client"`
	Monitoring    MonitoringConfig    `yaml:"monitoring" toml:"monitoring"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb" toml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
}

// DeviceConfig names a device that is polled without being discovered
type DeviceConfig struct {
	Name string `yaml:"name" toml:"name" validate:"required"`
	Host string `yaml:"host" toml:"host" validate:"required"`
}

// DiscoveryConfig holds UDP broadcast discovery settings
type DiscoveryConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	BroadcastAddress string        `yaml:"broadcast_address" toml:"broadcast_address" validate:"omitempty,hostname_port"`
	Interval         time.Duration `yaml:"interval" toml:"interval" validate:"min=1s,max=24h"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout" validate:"min=100ms,max=1m"`
}

// ClientConfig holds per-device connection settings
type ClientConfig struct {
	Timeout         time.Duration `yaml:"timeout" toml:"timeout" validate:"min=100ms,max=1m"`
	MaxFrameSize    int           `yaml:"max_frame_size" toml:"max_frame_size" validate:"min=1024,max=16777216"`
	RateLimit       float64       `yaml:"rate_limit" toml:"rate_limit" validate:"gte=0"`
	RateBurst       int           `yaml:"rate_burst" toml:"rate_burst" validate:"gte=0"`
	BreakerFailures uint32        `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" toml:"breaker_timeout" validate:"min=1s,max=1h"`
}

// MonitoringConfig holds energy meter polling settings
type MonitoringConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval" toml:"poll_interval" validate:"min=1s,max=1h"`
	ReadingsChannelSize int           `yaml:"readings_channel_size" toml:"readings_channel_size" validate:"min=1,max=100000"`
}

// InfluxDBConfig holds InfluxDB connection settings. Storage is disabled
// when URL is empty.
type InfluxDBConfig struct {
	URL          string `yaml:"url" toml:"url" validate:"omitempty,url"`
	Token        string `yaml:"token" toml:"token" validate:"required_with=URL"`
	Organization string `yaml:"organization" toml:"organization" validate:"required_with=URL"`
	Bucket       string `yaml:"bucket" toml:"bucket" validate:"required_with=URL"`
}

// Enabled reports whether readings should be stored.
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != ""
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn warning error fatal panic"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
}

// ServerConfig holds the metrics and health endpoint settings
type ServerConfig struct {
	MetricsAddress string `yaml:"metrics_address" toml:"metrics_address" validate:"hostname_port"`
}

// NotificationsConfig holds alerting settings. Alerts are off when the
// webhook URL is empty.
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" toml:"slack_webhook_url" validate:"omitempty,url"`
}

// Load reads configuration from a YAML or TOML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied. It is used
// as-is when no configuration file is given.
func Default() *Config {
	cfg := &Config{
		Discovery: DiscoveryConfig{Enabled: true},
	}
	cfg.setDefaults()
	return cfg
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("TPLINKER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv("TPLINKER_BROADCAST_ADDRESS"); addr != "" {
		c.Discovery.BroadcastAddress = addr
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if addr := os.Getenv("TPLINKER_METRICS_ADDRESS"); addr != "" {
		c.Server.MetricsAddress = addr
	}
	if enabled := os.Getenv("TPLINKER_DISCOVERY_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Discovery.Enabled = v
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse TPLINKER_DISCOVERY_ENABLED '%s': %v\n", enabled, err)
		}
	}
	overrideDuration("TPLINKER_DISCOVERY_INTERVAL", &c.Discovery.Interval)
	overrideDuration("TPLINKER_POLL_INTERVAL", &c.Monitoring.PollInterval)
	overrideDuration("TPLINKER_TIMEOUT", &c.Client.Timeout)
}

func overrideDuration(name string, dst *time.Duration) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse %s '%s': %v\n", name, value, err)
		return
	}
	*dst = duration
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Discovery.BroadcastAddress == "" {
		c.Discovery.BroadcastAddress = "255.255.255.255:9999"
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 5 * time.Minute
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 3 * time.Second
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 5 * time.Second
	}
	if c.Client.MaxFrameSize == 0 {
		c.Client.MaxFrameSize = 64 * 1024
	}
	if c.Client.BreakerTimeout == 0 {
		c.Client.BreakerTimeout = 30 * time.Second
	}
	if c.Monitoring.PollInterval == 0 {
		c.Monitoring.PollInterval = 30 * time.Second
	}
	if c.Monitoring.ReadingsChannelSize == 0 {
		c.Monitoring.ReadingsChannelSize = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = "localhost:9090"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml names so messages match what users write in the file
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidationError(err)
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDevices(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateIntervals(); validateErr != nil {
		return validateErr
	}

	return nil
}

// describeValidationError turns the first validator failure into a
// "section.field ..." message.
func describeValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_with":
		return fmt.Errorf("%s is required", field)
	case "min", "gte":
		return fmt.Errorf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Errorf("%s must not exceed %s", field, fe.Param())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return fmt.Errorf("%s is not a valid URL", field)
	case "hostname_port":
		return fmt.Errorf("%s must be host:port", field)
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}

// validateInfluxDB validates the InfluxDB configuration beyond struct tags
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled() {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	// Validate token format (basic check for minimum length)
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	if hostname == "localhost" {
		return nil
	}
	if ip := net.ParseIP(hostname); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return nil
	}

	return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
}

// validateDevices rejects duplicate static devices
func (c *Config) validateDevices() error {
	seenNames := make(map[string]bool, len(c.Devices))
	seenHosts := make(map[string]bool, len(c.Devices))
	for i, device := range c.Devices {
		if seenNames[device.Name] {
			return fmt.Errorf("devices[%d].name %q is used more than once", i, device.Name)
		}
		if seenHosts[device.Host] {
			return fmt.Errorf("devices[%d].host %q is used more than once", i, device.Host)
		}
		seenNames[device.Name] = true
		seenHosts[device.Host] = true
	}
	return nil
}

// validateIntervals checks relations between durations
func (c *Config) validateIntervals() error {
	if c.Discovery.Enabled && c.Discovery.Interval < c.Monitoring.PollInterval {
		return fmt.Errorf("discovery.interval should be greater than or equal to monitoring.poll_interval")
	}
	if c.Discovery.Timeout >= c.Discovery.Interval {
		return fmt.Errorf("discovery.timeout must be shorter than discovery.interval")
	}
	if !c.Discovery.Enabled && len(c.Devices) == 0 {
		return fmt.Errorf("devices must list at least one device when discovery is disabled")
	}
	return nil
}

// DeviceByName returns the configured device with the given name.
func (c *Config) DeviceByName(name string) (DeviceConfig, bool) {
	for _, device := range c.Devices {
		if strings.EqualFold(device.Name, name) {
			return device, true
		}
	}
	return DeviceConfig{}, false
}
