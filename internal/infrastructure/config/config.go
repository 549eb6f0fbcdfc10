package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for HomeGrow Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// The broker port is also the port advertised in the MQTT discovery record.
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
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
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

// DiscoveryConfig contains mDNS announcement and browse settings.
type DiscoveryConfig struct {
	// Enabled turns multicast announcements on. When false, starting the
	// announcer is a logged no-op and status reports mode "disabled".
	Enabled bool `yaml:"enabled"`

	// Backend names a registered multicast-DNS implementation
	// ("zeroconf" or "hashicorp").
	Backend string `yaml:"backend"`

	// Product is the instance name prefix, e.g. "HomeGrow-v3" produces
	// "HomeGrow-v3-API", "HomeGrow-v3-MQTT" and "HomeGrow-v3-WebSocket".
	Product string `yaml:"product"`

	// Version is published in every TXT record.
	Version string `yaml:"version"`

	// Marker is the substring a browsed instance name must contain to count
	// as a peer.
	Marker string `yaml:"marker"`

	// InterfacePriority lists interface names tried, in order, when picking
	// the advertised IPv4 address.
	InterfacePriority []string `yaml:"interface_priority"`

	// PublishTimeoutMS bounds each individual publish call.
	PublishTimeoutMS int `yaml:"publish_timeout_ms"`

	// BrowseTimeoutMS is the default scan window.
	BrowseTimeoutMS int `yaml:"browse_timeout_ms"`

	// MaxConcurrentScans caps peer scans in flight across HTTP and MQTT
	// callers. Further requests are turned away while the cap is reached.
	MaxConcurrentScans int `yaml:"max_concurrent_scans"`

	// StartRetryMaxElapsedS bounds how long startup keeps retrying a failed
	// announcement. 0 disables retries.
	StartRetryMaxElapsedS int `yaml:"start_retry_max_elapsed_s"`
}

// DefaultPath is used when neither a flag nor HOMEGROW_CONFIG names a file.
const DefaultPath = "configs/config.yaml"

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HOMEGROW_SECTION_KEY
// For example: HOMEGROW_API_PORT, HOMEGROW_MQTT_HOST
//
// A missing file is an error unless path is DefaultPath, in which case the
// node runs on defaults plus environment.
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
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is not validated.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "homegrow-001",
			Name: "HomeGrow",
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "homegrow-core",
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
			Port: 4000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
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
			URL:           "http://localhost:8086",
			Org:           "homegrow",
			Bucket:        "homegrow",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			Enabled:               true,
			Backend:               "zeroconf",
			Product:               "HomeGrow-v3",
			Version:               "3.0.0",
			Marker:                "HomeGrow",
			InterfacePriority:     []string{"eth0", "en0", "wlan0", "Wi-Fi", "Ethernet"},
			PublishTimeoutMS:      5000,
			BrowseTimeoutMS:       5000,
			MaxConcurrentScans:    1,
			StartRetryMaxElapsedS: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HOMEGROW_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("HOMEGROW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HOMEGROW_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("HOMEGROW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HOMEGROW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HOMEGROW_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HOMEGROW_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("HOMEGROW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("HOMEGROW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Discovery. A development environment never multicasts.
	if strings.EqualFold(os.Getenv("HOMEGROW_ENV"), "development") {
		cfg.Discovery.Enabled = false
	}
	if v := os.Getenv("HOMEGROW_DISCOVERY_DISABLED"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil && disabled {
			cfg.Discovery.Enabled = false
		}
	}
	if v := os.Getenv("HOMEGROW_DISCOVERY_BACKEND"); v != "" {
		cfg.Discovery.Backend = v
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

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	// The name itself is checked against the backend registry at startup.
	if c.Discovery.Backend == "" {
		errs = append(errs, "discovery.backend is required")
	}
	if c.Discovery.Product == "" {
		errs = append(errs, "discovery.product is required")
	}
	if c.Discovery.PublishTimeoutMS < 0 {
		errs = append(errs, "discovery.publish_timeout_ms must not be negative")
	}
	if c.Discovery.MaxConcurrentScans < 1 {
		errs = append(errs, "discovery.max_concurrent_scans must be at least 1")
	}
	if c.Discovery.BrowseTimeoutMS < 0 {
		errs = append(errs, "discovery.browse_timeout_ms must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout returns the API read timeout as a Duration.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the API write timeout as a Duration.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the API idle timeout as a Duration.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

// PublishTimeout returns the per-publish bound as a Duration.
func (d DiscoveryConfig) PublishTimeout() time.Duration {
	return time.Duration(d.PublishTimeoutMS) * time.Millisecond
}

// BrowseTimeout returns the default scan window as a Duration.
func (d DiscoveryConfig) BrowseTimeout() time.Duration {
	return time.Duration(d.BrowseTimeoutMS) * time.Millisecond
}

// StartRetryMaxElapsed returns the startup retry budget as a Duration.
func (d DiscoveryConfig) StartRetryMaxElapsed() time.Duration {
	return time.Duration(d.StartRetryMaxElapsedS) * time.Second
}
