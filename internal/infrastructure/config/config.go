package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Login modes accepted by account.login_mode.
const (
	LoginModePassword = "password"
	LoginModeCode     = "code"
)

// Config is the root configuration structure for the Deerma bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Account       AccountConfig       `yaml:"account"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Sync          SyncConfig          `yaml:"sync"`
	Command       CommandConfig       `yaml:"command"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DatabaseConfig      `yaml:"database"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AccountConfig holds the Deerma account credentials.
type AccountConfig struct {
	// LoginMode is "password" or "code" (SMS one-time code).
	LoginMode string `yaml:"login_mode"`
	Phone     string `yaml:"phone"`
	// Secret is the password, or the SMS code when LoginMode is "code".
	Secret string `yaml:"secret"`
}

// CloudConfig contains Deerma REST API settings.
type CloudConfig struct {
	BaseURL   string `yaml:"base_url"`
	AppID     string `yaml:"app_id"`
	UserAgent string `yaml:"user_agent"`
	Language  string `yaml:"language"`
	// Timeout is the per-request HTTP timeout in seconds.
	Timeout int `yaml:"timeout"`
	// TokenTTL is used when neither the login response nor the token carries an expiry (minutes).
	TokenTTL int `yaml:"token_ttl"`
	// RefreshGrace is how long before expiry a session is refreshed (seconds).
	RefreshGrace int         `yaml:"refresh_grace"`
	Retry        RetryConfig `yaml:"retry"`
}

// RetryConfig controls bounded exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	InitialDelay int `yaml:"initial_delay"` // seconds
	MaxDelay     int `yaml:"max_delay"`     // seconds
}

// SyncConfig contains poller and subscriber settings.
type SyncConfig struct {
	// PollInterval is the REST shadow poll cadence in seconds.
	PollInterval int `yaml:"poll_interval"`
	// ReconnectDelays is the vendor MQTT reconnect schedule in seconds; the last entry repeats.
	ReconnectDelays []int `yaml:"reconnect_delays"`
	// QueueSize bounds the subscriber hand-off queue.
	QueueSize int `yaml:"queue_size"`
	// HandoffTimeout bounds how long the receive callback may block, in milliseconds.
	HandoffTimeout int `yaml:"handoff_timeout"`
}

// CommandConfig contains command dispatcher settings.
type CommandConfig struct {
	// Timeout is how long a command waits for a confirming report, in seconds.
	Timeout int `yaml:"timeout"`
}

// MQTTConfig contains local MQTT broker connection settings (Home Assistant side).
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HomeAssistantConfig controls MQTT discovery and topic layout.
type HomeAssistantConfig struct {
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
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
// Environment variables follow the pattern: DEERMA_SECTION_KEY
// For example: DEERMA_ACCOUNT_PHONE, DEERMA_SYNC_POLL_INTERVAL
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			LoginMode: LoginModePassword,
		},
		Cloud: CloudConfig{
			BaseURL:      "https://iot.deerma.com",
			AppID:        "9c3b124649fa11e98b6e02461a5b364e",
			UserAgent:    "okhttp/4.12.0",
			Language:     "zh-CN",
			Timeout:      10,
			TokenTTL:     7 * 24 * 60,
			RefreshGrace: 300,
			Retry: RetryConfig{
				MaxAttempts:  4,
				InitialDelay: 1,
				MaxDelay:     30,
			},
		},
		Sync: SyncConfig{
			PollInterval:    30,
			ReconnectDelays: []int{5, 10, 15, 30},
			QueueSize:       64,
			HandoffTimeout:  2000,
		},
		Command: CommandConfig{
			Timeout: 10,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "deerma-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "deerma",
		},
		Database: DatabaseConfig{
			Path:        "./data/deerma.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8089,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEERMA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Account
	if v := os.Getenv("DEERMA_ACCOUNT_LOGIN_MODE"); v != "" {
		cfg.Account.LoginMode = v
	}
	if v := os.Getenv("DEERMA_ACCOUNT_PHONE"); v != "" {
		cfg.Account.Phone = v
	}
	if v := os.Getenv("DEERMA_ACCOUNT_SECRET"); v != "" {
		cfg.Account.Secret = v
	}

	// Cloud
	if v := os.Getenv("DEERMA_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}

	// Sync
	if v := os.Getenv("DEERMA_SYNC_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PollInterval = n
		}
	}

	// Database
	if v := os.Getenv("DEERMA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DEERMA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEERMA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEERMA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("DEERMA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Account validation
	switch c.Account.LoginMode {
	case LoginModePassword, LoginModeCode:
	default:
		errs = append(errs, "account.login_mode must be \"password\" or \"code\"")
	}
	if c.Account.Phone == "" {
		errs = append(errs, "account.phone is required (set DEERMA_ACCOUNT_PHONE environment variable)")
	}
	if c.Account.LoginMode == LoginModePassword && c.Account.Secret == "" {
		errs = append(errs, "account.secret is required for password login (set DEERMA_ACCOUNT_SECRET environment variable)")
	}

	// Cloud validation
	if !strings.HasPrefix(c.Cloud.BaseURL, "http://") && !strings.HasPrefix(c.Cloud.BaseURL, "https://") {
		errs = append(errs, "cloud.base_url must be an http(s) URL")
	}
	if c.Cloud.AppID == "" {
		errs = append(errs, "cloud.app_id is required")
	}
	if c.Cloud.Retry.MaxAttempts < 1 {
		errs = append(errs, "cloud.retry.max_attempts must be at least 1")
	}

	// Sync validation
	if c.Sync.PollInterval < 5 {
		errs = append(errs, "sync.poll_interval must be at least 5 seconds")
	}
	if c.Sync.QueueSize < 1 {
		errs = append(errs, "sync.queue_size must be at least 1")
	}

	// Command validation
	if c.Command.Timeout < 1 {
		errs = append(errs, "command.timeout must be at least 1 second")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetPollInterval returns the shadow poll cadence.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Sync.PollInterval) * time.Second
}

// GetCommandTimeout returns how long a command waits for confirmation.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Command.Timeout) * time.Second
}

// GetHandoffTimeout returns the subscriber receive-callback bound.
func (c *Config) GetHandoffTimeout() time.Duration {
	return time.Duration(c.Sync.HandoffTimeout) * time.Millisecond
}

// GetReconnectDelays returns the vendor MQTT reconnect schedule.
func (c *Config) GetReconnectDelays() []time.Duration {
	out := make([]time.Duration, 0, len(c.Sync.ReconnectDelays))
	for _, s := range c.Sync.ReconnectDelays {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}
