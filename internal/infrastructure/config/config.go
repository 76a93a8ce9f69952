package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Phonos.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Household    HouseholdConfig    `yaml:"household"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Callback     CallbackConfig     `yaml:"callback"`
	Topology     TopologyConfig     `yaml:"topology"`
	Control      ControlConfig      `yaml:"control"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// HouseholdConfig identifies the controlling session.
type HouseholdConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DiscoveryConfig contains multicast discovery settings.
//
// The probe interval is fixed (no backoff) so that device departures are
// detected with bounded latency. Devices not refreshed within
// interval × liveness_multiplier are marked unreachable.
type DiscoveryConfig struct {
	// MulticastAddress is the SSDP multicast group. Default: "239.255.255.250"
	MulticastAddress string `yaml:"multicast_address"`

	// MulticastPort is the SSDP port. Default: 1900
	MulticastPort int `yaml:"multicast_port"`

	// IntervalSeconds is the fixed probe interval. Default: 30
	IntervalSeconds int `yaml:"interval_seconds"`

	// LivenessMultiplier is how many missed probe intervals mark a device
	// unreachable. Default: 3
	LivenessMultiplier int `yaml:"liveness_multiplier"`

	// SearchTarget is the SSDP search target for player discovery.
	// Default: "urn:schemas-upnp-org:device:ZonePlayer:1"
	SearchTarget string `yaml:"search_target"`

	// Interface is an optional network interface name to bind the
	// multicast listener to. Empty means the system default.
	Interface string `yaml:"interface,omitempty"`
}

// SubscriptionConfig contains event subscription lifecycle settings.
type SubscriptionConfig struct {
	// RequestedTimeoutSeconds is the subscription duration requested from
	// devices (devices may grant less). Default: 300
	RequestedTimeoutSeconds int `yaml:"requested_timeout_seconds"`

	// RenewMarginSeconds is how long before expiry a renewal is issued.
	// Must be comfortably less than the granted timeout. Default: 60
	RenewMarginSeconds int `yaml:"renew_margin_seconds"`

	// MaxRetries is the number of subscribe attempts before a device's
	// eventing is marked degraded. Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryInitialDelaySeconds is the first retry backoff. Default: 2
	RetryInitialDelaySeconds int `yaml:"retry_initial_delay_seconds"`

	// RetryMaxDelaySeconds caps the exponential backoff. Default: 60
	RetryMaxDelaySeconds int `yaml:"retry_max_delay_seconds"`

	// RequestTimeoutSeconds bounds each subscribe/renew/unsubscribe HTTP
	// request. Default: 5
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// CallbackConfig contains the inbound event sink settings.
//
// The advertised address must remain stable for the life of a subscription;
// devices push notifications to it until the subscription expires.
type CallbackConfig struct {
	// Host is the address devices will be told to deliver events to.
	// Must be reachable from the players' network.
	Host string `yaml:"host"`

	// Port is the listening port for the callback sink. Default: 1402
	Port int `yaml:"port"`

	// QueueSize is the per-device notification queue depth. Default: 32
	QueueSize int `yaml:"queue_size"`
}

// TopologyConfig contains household topology reconciliation settings.
type TopologyConfig struct {
	// CoordinatorGraceSeconds is how long a group is held in its last-known
	// state after its coordinator becomes unreachable before the group is
	// dissolved into singletons. Default: 30
	CoordinatorGraceSeconds int `yaml:"coordinator_grace_seconds"`
}

// ControlConfig contains outbound SOAP control settings.
type ControlConfig struct {
	// TimeoutSeconds bounds each control action request. Default: 5
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the optional
// topology publisher.
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
// Environment variables follow the pattern: PHONOS_SECTION_KEY
// For example: PHONOS_CALLBACK_HOST, PHONOS_MQTT_PASSWORD
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
		Household: HouseholdConfig{
			Name: "Phonos",
		},
		Discovery: DiscoveryConfig{
			MulticastAddress:   "239.255.255.250",
			MulticastPort:      1900,
			IntervalSeconds:    30,
			LivenessMultiplier: 3,
			SearchTarget:       "urn:schemas-upnp-org:device:ZonePlayer:1",
		},
		Subscription: SubscriptionConfig{
			RequestedTimeoutSeconds:  300,
			RenewMarginSeconds:       60,
			MaxRetries:               3,
			RetryInitialDelaySeconds: 2,
			RetryMaxDelaySeconds:     60,
			RequestTimeoutSeconds:    5,
		},
		Callback: CallbackConfig{
			Port:      1402,
			QueueSize: 32,
		},
		Topology: TopologyConfig{
			CoordinatorGraceSeconds: 30,
		},
		Control: ControlConfig{
			TimeoutSeconds: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
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
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "phonos",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PHONOS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Callback sink - the advertised address usually needs a per-host override
	if v := os.Getenv("PHONOS_CALLBACK_HOST"); v != "" {
		cfg.Callback.Host = v
	}
	if v := os.Getenv("PHONOS_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Callback.Port = port
		}
	}

	// Discovery
	if v := os.Getenv("PHONOS_DISCOVERY_INTERFACE"); v != "" {
		cfg.Discovery.Interface = v
	}

	// API
	if v := os.Getenv("PHONOS_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("PHONOS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PHONOS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PHONOS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("PHONOS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Discovery.IntervalSeconds < 1 {
		errs = append(errs, "discovery.interval_seconds must be at least 1")
	}
	if c.Discovery.LivenessMultiplier < 2 {
		errs = append(errs, "discovery.liveness_multiplier must be at least 2")
	}
	if c.Discovery.MulticastPort < 1 || c.Discovery.MulticastPort > 65535 {
		errs = append(errs, "discovery.multicast_port must be between 1 and 65535")
	}

	if c.Subscription.RequestedTimeoutSeconds < 30 {
		errs = append(errs, "subscription.requested_timeout_seconds must be at least 30")
	}
	// The renewal must fire with enough headroom that a failed renew can
	// still fall back to a fresh subscribe before expiry.
	if c.Subscription.RenewMarginSeconds < c.Subscription.RequestTimeoutSeconds*2 {
		errs = append(errs, "subscription.renew_margin_seconds must be at least twice request_timeout_seconds")
	}
	if c.Subscription.RenewMarginSeconds >= c.Subscription.RequestedTimeoutSeconds {
		errs = append(errs, "subscription.renew_margin_seconds must be less than requested_timeout_seconds")
	}
	if c.Subscription.MaxRetries < 1 {
		errs = append(errs, "subscription.max_retries must be at least 1")
	}

	if c.Callback.Port < 1 || c.Callback.Port > 65535 {
		errs = append(errs, "callback.port must be between 1 and 65535")
	}

	if c.Topology.CoordinatorGraceSeconds < 1 {
		errs = append(errs, "topology.coordinator_grace_seconds must be at least 1")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ProbeInterval returns the discovery probe interval as a Duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalSeconds) * time.Second
}

// LivenessWindow returns how long a device may go unrefreshed before it is
// marked unreachable.
func (c *Config) LivenessWindow() time.Duration {
	return c.ProbeInterval() * time.Duration(c.Discovery.LivenessMultiplier)
}

// RequestedTimeout returns the subscription duration requested from devices.
func (c *Config) RequestedTimeout() time.Duration {
	return time.Duration(c.Subscription.RequestedTimeoutSeconds) * time.Second
}

// RenewMargin returns the pre-expiry renewal safety margin.
func (c *Config) RenewMargin() time.Duration {
	return time.Duration(c.Subscription.RenewMarginSeconds) * time.Second
}

// RetryInitialDelay returns the first subscribe retry backoff.
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.Subscription.RetryInitialDelaySeconds) * time.Second
}

// RetryMaxDelay returns the subscribe retry backoff cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Subscription.RetryMaxDelaySeconds) * time.Second
}

// RequestTimeout returns the per-request timeout for subscription traffic.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Subscription.RequestTimeoutSeconds) * time.Second
}

// CoordinatorGrace returns the grace period for groups whose coordinator
// became unreachable.
func (c *Config) CoordinatorGrace() time.Duration {
	return time.Duration(c.Topology.CoordinatorGraceSeconds) * time.Second
}

// ControlTimeout returns the outbound control action timeout.
func (c *Config) ControlTimeout() time.Duration {
	return time.Duration(c.Control.TimeoutSeconds) * time.Second
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
