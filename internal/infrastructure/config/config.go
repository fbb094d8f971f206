package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Logic Uplink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Connection ConnectionConfig `yaml:"connection"`
	Store      StoreConfig      `yaml:"store"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings for the message store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Synchronous is the SQLite synchronous pragma. FULL makes every commit
	// durable across power loss at the cost of an fsync per write.
	Synchronous string `yaml:"synchronous"`
}

// MQTTConfig contains settings for the remote broker the uplink publishes to.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`
	Auth   MQTTAuthConfig   `yaml:"auth"`
	QoS    int              `yaml:"qos"`

	// CleanSession asks the broker to discard session state on every connect.
	CleanSession bool `yaml:"clean_session"`

	// KeepAlive is the MQTT keepalive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	// TopicPrefix is prepended to control and status topics.
	TopicPrefix string `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConnectionConfig controls the connection lifecycle.
// Durations are in milliseconds unless stated otherwise.
type ConnectionConfig struct {
	// AutoConnect connects to the broker as soon as the service starts.
	AutoConnect bool `yaml:"auto_connect"`

	// MinBackoff is the first reconnect delay after a failed attempt.
	MinBackoff int `yaml:"min_backoff_ms"`

	// MaxBackoff caps the doubling reconnect delay.
	MaxBackoff int `yaml:"max_backoff_ms"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout int `yaml:"connect_timeout_ms"`

	// DisconnectQuiesce is handed to the transport when closing.
	DisconnectQuiesce int `yaml:"disconnect_quiesce_ms"`

	// DisconnectingWindow bounds how long listeners and the final flush may take
	// before the transport is closed.
	DisconnectingWindow int `yaml:"disconnecting_window_ms"`
}

// StoreConfig contains message store retention settings.
type StoreConfig struct {
	// Capacity is the maximum number of queued plus in-flight messages.
	Capacity int `yaml:"capacity"`

	// PurgeAge is how long (seconds) a message may wait before it is purged.
	PurgeAge int `yaml:"purge_age"`

	// CompletedRetention is how long (seconds) confirmed and dropped messages
	// are kept for inspection.
	CompletedRetention int `yaml:"completed_retention"`

	// HousekeeperInterval is the purge period in seconds.
	HousekeeperInterval int `yaml:"housekeeper_interval"`
}

// PublisherConfig contains publishing engine settings.
type PublisherConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MaxInFlight bounds the number of unconfirmed QoS 1/2 messages.
	MaxInFlight int `yaml:"max_in_flight"`

	// CongestionTimeout (seconds) is how long the in-flight window may stay
	// full before the connection is bounced. 0 disables the check.
	CongestionTimeout int `yaml:"congestion_timeout"`

	// RetryInterval (milliseconds) is the pause after a failed send.
	RetryInterval int `yaml:"retry_interval_ms"`

	// RepublishInFlight re-sends unconfirmed messages when the broker reports a
	// new session. When false they are marked dropped instead.
	RepublishInFlight bool `yaml:"republish_in_flight_on_new_session"`
}

// RateLimitConfig configures the token bucket that bounds the publish rate.
type RateLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	Capacity     int  `yaml:"capacity"`
	RefillPeriod int  `yaml:"refill_period_ms"`
}

// InfluxDBConfig contains InfluxDB connection settings for delivery metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// StatsInterval is how often (seconds) store statistics are sampled.
	StatsInterval int `yaml:"stats_interval"`
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
// Environment variables follow the pattern: GRAYLOGIC_UPLINK_SECTION_KEY
// For example: GRAYLOGIC_UPLINK_DATABASE_PATH, GRAYLOGIC_UPLINK_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, for running without a file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/uplink.db",
			WALMode:     true,
			BusyTimeout: 5,
			Synchronous: "FULL",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-uplink",
			},
			QoS:          1,
			CleanSession: true,
			KeepAlive:    60,
			TopicPrefix:  "graylogic/uplink",
		},
		Connection: ConnectionConfig{
			AutoConnect:         true,
			MinBackoff:          1000,
			MaxBackoff:          60000,
			ConnectTimeout:      10000,
			DisconnectQuiesce:   1000,
			DisconnectingWindow: 1000,
		},
		Store: StoreConfig{
			Capacity:            10000,
			PurgeAge:            86400,
			CompletedRetention:  3600,
			HousekeeperInterval: 60,
		},
		Publisher: PublisherConfig{
			RateLimit: RateLimitConfig{
				Enabled:      true,
				Capacity:     10,
				RefillPeriod: 100,
			},
			MaxInFlight:       9,
			CongestionTimeout: 0,
			RetryInterval:     1000,
			RepublishInFlight: true,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
			StatsInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_UPLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_UPLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_UPLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_UPLINK_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("GRAYLOGIC_UPLINK_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("GRAYLOGIC_UPLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_UPLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_UPLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_UPLINK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	switch strings.ToUpper(c.Database.Synchronous) {
	case "", "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		errs = append(errs, "database.synchronous must be OFF, NORMAL, FULL or EXTRA")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}

	// Connection validation
	if c.Connection.MinBackoff <= 0 {
		errs = append(errs, "connection.min_backoff_ms must be positive")
	}
	if c.Connection.MaxBackoff < c.Connection.MinBackoff {
		errs = append(errs, "connection.max_backoff_ms must not be less than min_backoff_ms")
	}

	// Store validation
	if c.Store.Capacity <= 0 {
		errs = append(errs, "store.capacity must be positive")
	}
	if c.Store.HousekeeperInterval <= 0 {
		errs = append(errs, "store.housekeeper_interval must be positive")
	}

	// Publisher validation
	if c.Publisher.RateLimit.Enabled {
		if c.Publisher.RateLimit.Capacity <= 0 {
			errs = append(errs, "publisher.rate_limit.capacity must be positive")
		}
		if c.Publisher.RateLimit.RefillPeriod <= 0 {
			errs = append(errs, "publisher.rate_limit.refill_period_ms must be positive")
		}
	}
	if c.Publisher.MaxInFlight < 0 {
		errs = append(errs, "publisher.max_in_flight must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetMinBackoff returns the minimum reconnect delay as a Duration.
func (c *Config) GetMinBackoff() time.Duration {
	return time.Duration(c.Connection.MinBackoff) * time.Millisecond
}

// GetMaxBackoff returns the maximum reconnect delay as a Duration.
func (c *Config) GetMaxBackoff() time.Duration {
	return time.Duration(c.Connection.MaxBackoff) * time.Millisecond
}

// GetConnectTimeout returns the per-attempt connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Connection.ConnectTimeout) * time.Millisecond
}

// GetDisconnectQuiesce returns the transport quiesce period as a Duration.
func (c *Config) GetDisconnectQuiesce() time.Duration {
	return time.Duration(c.Connection.DisconnectQuiesce) * time.Millisecond
}

// GetDisconnectingWindow returns the graceful disconnect window as a Duration.
func (c *Config) GetDisconnectingWindow() time.Duration {
	return time.Duration(c.Connection.DisconnectingWindow) * time.Millisecond
}

// GetPurgeAge returns the maximum message age as a Duration.
func (c *Config) GetPurgeAge() time.Duration {
	return time.Duration(c.Store.PurgeAge) * time.Second
}

// GetCompletedRetention returns the retention for completed messages as a Duration.
func (c *Config) GetCompletedRetention() time.Duration {
	return time.Duration(c.Store.CompletedRetention) * time.Second
}

// GetHousekeeperInterval returns the purge period as a Duration.
func (c *Config) GetHousekeeperInterval() time.Duration {
	return time.Duration(c.Store.HousekeeperInterval) * time.Second
}

// GetRefillPeriod returns the token bucket refill period as a Duration.
func (c *Config) GetRefillPeriod() time.Duration {
	return time.Duration(c.Publisher.RateLimit.RefillPeriod) * time.Millisecond
}

// GetCongestionTimeout returns the congestion timeout as a Duration.
func (c *Config) GetCongestionTimeout() time.Duration {
	return time.Duration(c.Publisher.CongestionTimeout) * time.Second
}

// GetRetryInterval returns the pause after a failed send as a Duration.
func (c *Config) GetRetryInterval() time.Duration {
	return time.Duration(c.Publisher.RetryInterval) * time.Millisecond
}

// GetStatsInterval returns the store statistics sampling period as a Duration.
func (c *Config) GetStatsInterval() time.Duration {
	return time.Duration(c.InfluxDB.StatsInterval) * time.Second
}
