package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/bacnet-hub/internal/bacnet"
)

// Config is the root configuration structure for the BACnet hub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub           HubConfig           `yaml:"hub"`
	Remote        RemoteConfig        `yaml:"remote"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Security      SecurityConfig      `yaml:"security"`
}

// HubConfig holds the defaults applied to configuration entries and the
// scheduler quiet period.
type HubConfig struct {
	// EntriesFile is an optional YAML file whose entries seed the store on
	// first run. Entries already stored are never overwritten.
	EntriesFile string `yaml:"entries_file"`

	DefaultInstance int      `yaml:"default_instance"`
	DefaultAddress  string   `yaml:"default_address"`
	ObjectName      string   `yaml:"object_name"`
	Description     string   `yaml:"description"`
	Labels          []string `yaml:"labels"`
	DebounceMS      int      `yaml:"debounce_ms"`

	// HealthInterval is the health publish cadence in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// RemoteConfig controls discovery of, and COV subscription to, remote devices.
type RemoteConfig struct {
	Enabled             bool `yaml:"enabled"`
	DiscoveryTimeoutMS  int  `yaml:"discovery_timeout_ms"`
	RediscoveryInterval int  `yaml:"rediscovery_interval"`
	PointScanLimit      int  `yaml:"point_scan_limit"`
	COVLease            int  `yaml:"cov_lease"`
	ResubscribeInitial  int  `yaml:"resubscribe_initial"`
	ResubscribeMax      int  `yaml:"resubscribe_max"`
}

// HomeAssistantConfig contains the WebSocket API connection.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains event stream settings.
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`

	// TokenTTL is the lifetime, in hours, of tokens minted by -issue-token.
	TokenTTL int `yaml:"token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BACNETHUB_SECTION_KEY
// For example: BACNETHUB_DATABASE_PATH, BACNETHUB_HA_TOKEN
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			DefaultInstance: 8123,
			ObjectName:      "HA-BACnetHub",
			Description:     "BACnet Hub - Home Assistant Custom Integration",
			Labels:          []string{"BACnet"},
			DebounceMS:      2000,
			HealthInterval:  30,
		},
		Remote: RemoteConfig{
			Enabled:             true,
			DiscoveryTimeoutMS:  3000,
			RediscoveryInterval: 900,
			PointScanLimit:      128,
			COVLease:            300,
			ResubscribeInitial:  10,
			ResubscribeMax:      300,
		},
		HomeAssistant: HomeAssistantConfig{
			URL: "ws://localhost:8123/api/websocket",
		},
		Database: DatabaseConfig{
			Path:        "./data/bacnethub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "bacnet-hub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8099,
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
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 24 * 365,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BACNETHUB_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Hub
	if v := os.Getenv("BACNETHUB_HUB_ENTRIES_FILE"); v != "" {
		cfg.Hub.EntriesFile = v
	}
	if v := os.Getenv("BACNETHUB_HUB_ADDRESS"); v != "" {
		cfg.Hub.DefaultAddress = v
	}
	if v, err := strconv.Atoi(os.Getenv("BACNETHUB_HUB_INSTANCE")); err == nil {
		cfg.Hub.DefaultInstance = v
	}

	// Remote
	if v, err := strconv.ParseBool(os.Getenv("BACNETHUB_REMOTE_ENABLED")); err == nil {
		cfg.Remote.Enabled = v
	}

	// Home Assistant
	if v := os.Getenv("BACNETHUB_HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("BACNETHUB_HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}

	// Database
	if v := os.Getenv("BACNETHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("BACNETHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BACNETHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BACNETHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("BACNETHUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("BACNETHUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("BACNETHUB_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Hub defaults
	if err := bacnet.ValidateInstance(c.Hub.DefaultInstance); err != nil {
		errs = append(errs, "hub.default_instance: "+err.Error())
	}
	if c.Hub.DefaultAddress != "" {
		if _, err := bacnet.ParseBindAddress(c.Hub.DefaultAddress); err != nil {
			errs = append(errs, "hub.default_address: "+err.Error())
		}
	}
	if c.Hub.DebounceMS < 0 {
		errs = append(errs, "hub.debounce_ms must not be negative")
	}

	// Remote
	if c.Remote.Enabled {
		if c.Remote.PointScanLimit < 1 {
			errs = append(errs, "remote.point_scan_limit must be at least 1")
		}
		if c.Remote.ResubscribeMax < c.Remote.ResubscribeInitial {
			errs = append(errs, "remote.resubscribe_max must not be below remote.resubscribe_initial")
		}
	}

	// Home Assistant
	if c.HomeAssistant.URL == "" {
		errs = append(errs, "homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		errs = append(errs, "homeassistant.token is required (set BACNETHUB_HA_TOKEN environment variable)")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Security - JWT secret is required: the API can trigger reloads and
	// writes to field devices.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set BACNETHUB_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout returns the read timeout as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// WriteTimeout returns the write timeout as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// GetDebounce returns the scheduler quiet period.
func (c *Config) GetDebounce() time.Duration {
	return time.Duration(c.Hub.DebounceMS) * time.Millisecond
}

// GetHealthInterval returns the health publish cadence.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Hub.HealthInterval) * time.Second
}

// GetDiscoveryTimeout returns the Who-Is collection window.
func (c *Config) GetDiscoveryTimeout() time.Duration {
	return time.Duration(c.Remote.DiscoveryTimeoutMS) * time.Millisecond
}

// GetRediscoveryInterval returns the remote rediscovery cadence.
func (c *Config) GetRediscoveryInterval() time.Duration {
	return time.Duration(c.Remote.RediscoveryInterval) * time.Second
}

// GetCOVLease returns the COV subscription lifetime.
func (c *Config) GetCOVLease() time.Duration {
	return time.Duration(c.Remote.COVLease) * time.Second
}

// GetResubscribeInitial returns the first resubscription backoff delay.
func (c *Config) GetResubscribeInitial() time.Duration {
	return time.Duration(c.Remote.ResubscribeInitial) * time.Second
}

// GetResubscribeMax returns the resubscription backoff ceiling.
func (c *Config) GetResubscribeMax() time.Duration {
	return time.Duration(c.Remote.ResubscribeMax) * time.Second
}

// GetTokenTTL returns the lifetime of minted API tokens.
func (c *Config) GetTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.TokenTTL) * time.Hour
}
