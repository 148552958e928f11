package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the hublink agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Spool     SpoolConfig     `yaml:"spool"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HubConfig identifies the IoT hub and the device this agent runs as.
type HubConfig struct {
	// HubID is the short hub name. The broker hostname is derived as
	// "{hub_id}.{domain}".
	HubID string `yaml:"hub_id"`

	// Domain is the hub DNS suffix. Default: "azure-devices.net".
	Domain string `yaml:"domain"`

	// DeviceID is the registered device identity, used as the MQTT client id.
	DeviceID string `yaml:"device_id"`

	// APIVersion is mandatory: without it the broker withholds twin responses
	// and direct method requests.
	APIVersion string `yaml:"api_version"`

	// PrimaryKey is the base64-encoded shared access key used to sign tokens.
	PrimaryKey string `yaml:"primary_key"`

	// SecondaryKey is an optional fallback key, used when the primary is empty.
	SecondaryKey string `yaml:"secondary_key"`

	// KeyName is the optional shared access policy name embedded in tokens.
	KeyName string `yaml:"key_name"`

	// TokenLifetimeMinutes is the SAS token lifespan. Default: 60.
	TokenLifetimeMinutes int `yaml:"token_lifetime_minutes"`
}

// MQTTConfig contains transport tuning for the hub connection.
type MQTTConfig struct {
	// Port is the broker TLS port. Default: 8883.
	Port int `yaml:"port"`

	// QoS is the default quality of service for publishes. 0 or 1; the hub
	// does not support QoS 2.
	QoS int `yaml:"qos"`

	// Reconnect controls the paho auto-reconnect backoff.
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// RequestTimeout is the default wait for correlated twin operations, in
	// seconds. Default: 10.
	RequestTimeout int `yaml:"request_timeout"`
}

// MQTTReconnectConfig contains reconnection backoff settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TelemetryConfig controls the agent's periodic sample publishing.
type TelemetryConfig struct {
	// PublishPeriodMS is the interval between telemetry events, in
	// milliseconds. The cloud may override it through the twin's desired
	// "publish_period_ms" property.
	PublishPeriodMS int `yaml:"publish_period_ms"`

	// SampleThreshold marks events with the "above_th" property when the
	// sampled value exceeds it.
	SampleThreshold float64 `yaml:"sample_threshold"`
}

// SpoolConfig contains the offline telemetry spool settings.
type SpoolConfig struct {
	// Enabled turns the store-and-forward spool on. When off, telemetry
	// published while disconnected fails instead of being buffered.
	Enabled bool `yaml:"enabled"`

	// Path is the filesystem path to the spool SQLite file.
	Path string `yaml:"path"`

	// MaxEntries bounds the spool; the oldest entries are pruned beyond it.
	MaxEntries int `yaml:"max_entries"`

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int `yaml:"busy_timeout"`
}

// InfluxDBConfig contains the optional local telemetry mirror settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HUBLINK_SECTION_KEY
// For example: HUBLINK_HUB_DEVICE_ID, HUBLINK_HUB_PRIMARY_KEY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Domain:               "azure-devices.net",
			APIVersion:           "2017-06-30",
			TokenLifetimeMinutes: 60,
		},
		MQTT: MQTTConfig{
			Port: 8883,
			QoS:  1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			RequestTimeout: 10,
		},
		Telemetry: TelemetryConfig{
			PublishPeriodMS: 5000,
			SampleThreshold: 5,
		},
		Spool: SpoolConfig{
			Enabled:     false,
			Path:        "./data/hublink-spool.db",
			MaxEntries:  10000,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HUBLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Hub identity
	if v := os.Getenv("HUBLINK_HUB_ID"); v != "" {
		cfg.Hub.HubID = v
	}
	if v := os.Getenv("HUBLINK_HUB_DEVICE_ID"); v != "" {
		cfg.Hub.DeviceID = v
	}

	// Keys (IMPORTANT: prefer environment over file in production)
	if v := os.Getenv("HUBLINK_HUB_PRIMARY_KEY"); v != "" {
		cfg.Hub.PrimaryKey = v
	}
	if v := os.Getenv("HUBLINK_HUB_SECONDARY_KEY"); v != "" {
		cfg.Hub.SecondaryKey = v
	}

	// Spool
	if v := os.Getenv("HUBLINK_SPOOL_PATH"); v != "" {
		cfg.Spool.Path = v
	}

	// InfluxDB
	if v := os.Getenv("HUBLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("HUBLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub validation
	if c.Hub.HubID == "" {
		errs = append(errs, "hub.hub_id is required")
	}
	if c.Hub.DeviceID == "" {
		errs = append(errs, "hub.device_id is required")
	}
	if c.Hub.APIVersion == "" {
		errs = append(errs, "hub.api_version is required")
	}
	if c.Hub.PrimaryKey == "" && c.Hub.SecondaryKey == "" {
		errs = append(errs, "hub.primary_key or hub.secondary_key is required (set HUBLINK_HUB_PRIMARY_KEY environment variable)")
	}
	if c.Hub.TokenLifetimeMinutes <= 0 {
		errs = append(errs, "hub.token_lifetime_minutes must be positive")
	}

	// MQTT validation. The hub rejects QoS 2.
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, "mqtt.port must be between 1 and 65535")
	}

	// Spool validation
	if c.Spool.Enabled && c.Spool.Path == "" {
		errs = append(errs, "spool.path is required when spool.enabled is true")
	}
	if c.Spool.MaxEntries < 0 {
		errs = append(errs, "spool.max_entries must not be negative")
	}

	// Telemetry validation
	if c.Telemetry.PublishPeriodMS <= 0 {
		errs = append(errs, "telemetry.publish_period_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Key returns the shared access key to sign tokens with: the primary key when
// set, otherwise the secondary.
func (c *HubConfig) Key() string {
	if c.PrimaryKey != "" {
		return c.PrimaryKey
	}
	return c.SecondaryKey
}

// Hostname returns the broker hostname, "{hub_id}.{domain}".
func (c *HubConfig) Hostname() string {
	return c.HubID + "." + c.Domain
}

// TokenLifetime returns the SAS token lifespan as a Duration.
func (c *HubConfig) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeMinutes) * time.Minute
}

// GetRequestTimeout returns the default correlated request timeout as a Duration.
func (c *MQTTConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// PublishPeriod returns the telemetry publish interval as a Duration.
func (c *TelemetryConfig) PublishPeriod() time.Duration {
	return time.Duration(c.PublishPeriodMS) * time.Millisecond
}
