package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weavekit/weave-core/internal/infrastructure/logging"
	"github.com/weavekit/weave-core/settings"
)

// Config is the root configuration structure for the weave daemon.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  logging.Config `yaml:"logging"`
}

// DeviceConfig carries the host-fixed device identity.
type DeviceConfig struct {
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Location        string `yaml:"location"`
	OEMName         string `yaml:"oem_name"`
	ModelName       string `yaml:"model_name"`
	ModelID         string `yaml:"model_id"` // five-character model manifest id
	FirmwareVersion string `yaml:"firmware_version"`
}

// CloudConfig carries the cloud service credentials and endpoints.
type CloudConfig struct {
	APIKey               string `yaml:"api_key"`
	ClientID             string `yaml:"client_id"`
	ClientSecret         string `yaml:"client_secret"`
	ServiceURL           string `yaml:"service_url"`
	OAuthURL             string `yaml:"oauth_url"`
	NotificationEndpoint string `yaml:"notification_endpoint"`
	PollingPeriod        int    `yaml:"polling_period"` // seconds; 0 uses the library default
}

// StorageConfig contains settings for the SQLite-backed config store.
type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// APIConfig contains local HTTP surface settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings for the HTTPS surface.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// MQTTConfig contains local MQTT bus settings.
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

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains settings for the state telemetry exporter.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WEAVED_SECTION_KEY.
// For example: WEAVED_STORAGE_PATH, WEAVED_CLOUD_API_KEY.
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
		Device: DeviceConfig{
			Name:            "Weave device",
			FirmwareVersion: "dev",
		},
		Storage: StorageConfig{
			Path:        "./data/weaved.db",
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			TLS:  TLSConfig{Port: 8443},
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "weaved",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEAVED_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("WEAVED_CLOUD_API_KEY"); v != "" {
		cfg.Cloud.APIKey = v
	}
	if v := os.Getenv("WEAVED_CLOUD_CLIENT_ID"); v != "" {
		cfg.Cloud.ClientID = v
	}
	if v := os.Getenv("WEAVED_CLOUD_CLIENT_SECRET"); v != "" {
		cfg.Cloud.ClientSecret = v
	}
	if v := os.Getenv("WEAVED_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("WEAVED_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WEAVED_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WEAVED_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("WEAVED_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Storage.Path == "" {
		errs = append(errs, "storage.path is required")
	}
	if c.Device.ModelID != "" && len(c.Device.ModelID) != 5 {
		errs = append(errs, "device.model_id must be exactly five characters")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.TLSEnabled() && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TLSEnabled reports whether the HTTPS surface is configured.
func (c *Config) TLSEnabled() bool {
	return c.API.TLS.Enabled
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

// DeviceDefaults renders the host-fixed sections as the settings defaults
// handed to the library through the config store.
func (c *Config) DeviceDefaults() settings.Settings {
	s := settings.Default()
	s.Name = c.Device.Name
	s.Description = c.Device.Description
	s.Location = c.Device.Location
	s.OEMName = c.Device.OEMName
	s.ModelName = c.Device.ModelName
	s.ModelID = c.Device.ModelID
	s.FirmwareVersion = c.Device.FirmwareVersion
	s.APIKey = c.Cloud.APIKey
	s.ClientID = c.Cloud.ClientID
	s.ClientSecret = c.Cloud.ClientSecret
	if c.Cloud.ServiceURL != "" {
		s.ServiceURL = c.Cloud.ServiceURL
	}
	if c.Cloud.OAuthURL != "" {
		s.OAuthURL = c.Cloud.OAuthURL
	}
	s.NotificationEndpoint = c.Cloud.NotificationEndpoint
	s.PollingPeriod = time.Duration(c.Cloud.PollingPeriod) * time.Second
	return s
}
