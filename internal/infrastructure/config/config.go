package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Listener port bounds.
const (
	minListenerPort = 1025
	maxListenerPort = 65535
)

// Config is the root configuration structure for the Fibaro bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Hub      HubConfig      `yaml:"hub"`
	Listener ListenerConfig `yaml:"listener"`
	Cache    CacheConfig    `yaml:"cache"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig identifies the bridge and where its device list lives.
type BridgeConfig struct {
	ID string `yaml:"id"`

	// DevicesFile is the YAML list of hub devices to serve.
	DevicesFile string `yaml:"devices_file"`

	// HealthInterval is how often health is published to MQTT.
	HealthInterval time.Duration `yaml:"health_interval"`

	// CommandTimeout bounds a single command from Core.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// HubConfig contains the Fibaro home-center connection settings.
type HubConfig struct {
	// Address is host[:port] or a full http(s) URL.
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout bounds each REST call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent is the number of REST calls allowed in flight.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ListenerConfig contains the push notification endpoint settings.
type ListenerConfig struct {
	Host     string                `yaml:"host"`
	Port     int                   `yaml:"port"`
	Timeouts ListenerTimeoutConfig `yaml:"timeouts"`
}

// ListenerTimeoutConfig contains HTTP timeout settings in seconds.
type ListenerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CacheConfig contains the device snapshot cache settings.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSize       int           `yaml:"max_size"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// AuditConfig controls the command audit log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays prunes entries older than this, checked hourly. 0 keeps all.
	RetentionDays int `yaml:"retention_days"`
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
// Environment variables follow the pattern: GRAYLOGIC_FIBARO_SECTION_KEY
// For example: GRAYLOGIC_FIBARO_HUB_PASSWORD, GRAYLOGIC_FIBARO_LISTENER_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=value files into the environment. Missing files are
// skipped and variables already set are left alone.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "fibaro-bridge-01",
			DevicesFile:    "./configs/devices.yaml",
			HealthInterval: 30 * time.Second,
			CommandTimeout: 10 * time.Second,
		},
		Hub: HubConfig{
			Timeout:       5 * time.Second,
			MaxConcurrent: 1,
		},
		Listener: ListenerConfig{
			Host: "0.0.0.0",
			Port: 9000,
			Timeouts: ListenerTimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Cache: CacheConfig{
			TTL:           10 * time.Second,
			SweepInterval: time.Second,
			MaxSize:       100,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-fibaro",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/fibaro-audit.db",
			WALMode:     true,
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
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"GRAYLOGIC_FIBARO_BRIDGE_ID":      &cfg.Bridge.ID,
		"GRAYLOGIC_FIBARO_DEVICES_FILE":   &cfg.Bridge.DevicesFile,
		"GRAYLOGIC_FIBARO_HUB_ADDRESS":    &cfg.Hub.Address,
		"GRAYLOGIC_FIBARO_HUB_USERNAME":   &cfg.Hub.Username,
		"GRAYLOGIC_FIBARO_HUB_PASSWORD":   &cfg.Hub.Password,
		"GRAYLOGIC_FIBARO_LISTENER_HOST":  &cfg.Listener.Host,
		"GRAYLOGIC_FIBARO_MQTT_HOST":      &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_FIBARO_MQTT_USERNAME":  &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_FIBARO_MQTT_PASSWORD":  &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_FIBARO_INFLUXDB_TOKEN": &cfg.InfluxDB.Token,
		"GRAYLOGIC_FIBARO_DATABASE_PATH":  &cfg.Database.Path,
		"GRAYLOGIC_FIBARO_LOG_LEVEL":      &cfg.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Numeric overrides must parse.
	if v := os.Getenv("GRAYLOGIC_FIBARO_LISTENER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRAYLOGIC_FIBARO_LISTENER_PORT: %w", err)
		}
		cfg.Listener.Port = port
	}
	if v := os.Getenv("GRAYLOGIC_FIBARO_HUB_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRAYLOGIC_FIBARO_HUB_TIMEOUT: %w", err)
		}
		cfg.Hub.Timeout = d
	}
	return nil
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.DevicesFile == "" {
		errs = append(errs, "bridge.devices_file is required")
	}

	// Hub credentials have no usable defaults.
	if c.Hub.Address == "" {
		errs = append(errs, "hub.address is required")
	}
	if c.Hub.Username == "" {
		errs = append(errs, "hub.username is required")
	}
	if c.Hub.Password == "" {
		errs = append(errs, "hub.password is required (set GRAYLOGIC_FIBARO_HUB_PASSWORD environment variable)")
	}
	if c.Hub.Timeout <= 0 {
		errs = append(errs, "hub.timeout must be positive")
	}
	if c.Hub.MaxConcurrent < 1 {
		errs = append(errs, "hub.max_concurrent must be at least 1")
	}

	if c.Listener.Port < minListenerPort || c.Listener.Port > maxListenerPort {
		errs = append(errs, fmt.Sprintf("listener.port must be between %d and %d", minListenerPort, maxListenerPort))
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be positive")
	}
	if c.Cache.MaxSize < 1 {
		errs = append(errs, "cache.max_size must be at least 1")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.Audit.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when audit is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the listener read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Listener.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the listener write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Listener.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the listener idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Listener.Timeouts.Idle) * time.Second
}
