package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MoIP manager.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControllerConfig describes how to reach the MoIP controller on both of its
// control planes.
type ControllerConfig struct {
	// Host is the controller IP address or hostname. May be left empty here
	// and supplied by the settings database instead.
	Host string `yaml:"host"`

	// TelnetPort is the line-protocol control port. Default: 23.
	TelnetPort int `yaml:"telnet_port"`

	// APIPort is the HTTPS management port. Default: 443.
	APIPort int `yaml:"api_port"`

	Telnet CredentialsConfig `yaml:"telnet"`
	API    CredentialsConfig `yaml:"api"`

	TLS       ControllerTLSConfig       `yaml:"tls"`
	Timeouts  ControllerTimeoutConfig   `yaml:"timeouts"`
	Reconnect ControllerReconnectConfig `yaml:"reconnect"`

	// TokenRefreshMargin is how many seconds before expiry the REST bearer
	// token is refreshed. Default: 60.
	TokenRefreshMargin int `yaml:"token_refresh_margin"`

	// EventStreamPath is the WebSocket path (relative to /api/v1) carrying
	// REST change events. Empty disables the stream.
	EventStreamPath string `yaml:"event_stream_path"`

	// EagerSwitchWrite writes a confirmed switch into the routing cache
	// before the controller's broadcast arrives. Default: true.
	EagerSwitchWrite bool `yaml:"eager_switch_write"`

	// DisableREST runs the line-protocol plane alone.
	DisableREST bool `yaml:"disable_rest"`
}

// CredentialsConfig holds a username/password pair.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ControllerTLSConfig controls verification of the controller's certificate.
// The controller ships a self-signed certificate, so verification is off by
// default; turning it off is logged at startup.
type ControllerTLSConfig struct {
	Verify bool   `yaml:"verify"`
	CAFile string `yaml:"ca_file"`
}

// ControllerTimeoutConfig contains controller timeouts, in seconds.
type ControllerTimeoutConfig struct {
	Connect           int `yaml:"connect"`
	Request           int `yaml:"request"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	HeartbeatMisses   int `yaml:"heartbeat_misses"`
}

// ControllerReconnectConfig contains reconnection backoff settings.
type ControllerReconnectConfig struct {
	InitialDelay int     `yaml:"initial_delay"` // seconds
	MaxDelay     int     `yaml:"max_delay"`     // seconds
	Jitter       float64 `yaml:"jitter"`        // fraction, 0..1
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often bridge health is published, in seconds.
	HealthInterval int `yaml:"health_interval"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// CORSConfig controls cross-origin access for browser clients.
// An empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: MOIP_SECTION_KEY
// For example: MOIP_HOST, MOIP_API_PASSWORD, MOIP_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			TelnetPort: 23,
			APIPort:    443,
			Timeouts: ControllerTimeoutConfig{
				Connect:           10,
				Request:           10,
				HeartbeatInterval: 30,
				HeartbeatMisses:   2,
			},
			Reconnect: ControllerReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				Jitter:       0.2,
			},
			TokenRefreshMargin: 60,
			EagerSwitchWrite:   true,
		},
		Database: DatabaseConfig{
			Path:        "./data/moip.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "moip-manager",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Controller variables use the MOIP_ prefix without a CONTROLLER_ segment.
func applyEnvOverrides(cfg *Config) {
	// Controller
	if v := os.Getenv("MOIP_HOST"); v != "" {
		cfg.Controller.Host = v
	}
	if v := os.Getenv("MOIP_TELNET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Controller.TelnetPort = port
		}
	}
	if v := os.Getenv("MOIP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Controller.APIPort = port
		}
	}
	if v := os.Getenv("MOIP_API_USERNAME"); v != "" {
		cfg.Controller.API.Username = v
	}
	if v := os.Getenv("MOIP_API_PASSWORD"); v != "" {
		cfg.Controller.API.Password = v
	}
	if v := os.Getenv("MOIP_TELNET_USERNAME"); v != "" {
		cfg.Controller.Telnet.Username = v
	}
	if v := os.Getenv("MOIP_TELNET_PASSWORD"); v != "" {
		cfg.Controller.Telnet.Password = v
	}
	if v := os.Getenv("MOIP_VERIFY_TLS"); v != "" {
		cfg.Controller.TLS.Verify = strings.EqualFold(v, "true")
	}

	// Database
	if v := os.Getenv("MOIP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MOIP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MOIP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MOIP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("MOIP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if !validPort(c.Controller.TelnetPort) {
		errs = append(errs, "controller.telnet_port must be between 1 and 65535")
	}
	if !validPort(c.Controller.APIPort) {
		errs = append(errs, "controller.api_port must be between 1 and 65535")
	}
	if c.Controller.Timeouts.Connect <= 0 || c.Controller.Timeouts.Request <= 0 {
		errs = append(errs, "controller.timeouts.connect and controller.timeouts.request must be positive")
	}
	if c.Controller.Timeouts.HeartbeatInterval <= 0 {
		errs = append(errs, "controller.timeouts.heartbeat_interval must be positive")
	}
	if c.Controller.Reconnect.InitialDelay <= 0 || c.Controller.Reconnect.MaxDelay < c.Controller.Reconnect.InitialDelay {
		errs = append(errs, "controller.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if c.Controller.Reconnect.Jitter < 0 || c.Controller.Reconnect.Jitter > 1 {
		errs = append(errs, "controller.reconnect.jitter must be between 0 and 1")
	}
	if c.Controller.TokenRefreshMargin < 0 {
		errs = append(errs, "controller.token_refresh_margin must not be negative")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && !validPort(c.API.Port) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// ConnectTimeout returns the controller connect timeout as a Duration.
func (c ControllerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.Connect) * time.Second
}

// RequestTimeout returns the per-request controller timeout as a Duration.
func (c ControllerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeouts.Request) * time.Second
}

// HeartbeatInterval returns the liveness check interval as a Duration.
func (c ControllerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timeouts.HeartbeatInterval) * time.Second
}

// ReconnectInitialDelay returns the first reconnection delay.
func (c ControllerConfig) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.Reconnect.InitialDelay) * time.Second
}

// ReconnectMaxDelay returns the reconnection backoff cap.
func (c ControllerConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Reconnect.MaxDelay) * time.Second
}

// TokenMargin returns the REST token refresh margin as a Duration.
func (c ControllerConfig) TokenMargin() time.Duration {
	return time.Duration(c.TokenRefreshMargin) * time.Second
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
