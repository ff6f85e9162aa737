package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ops-relay/pkg/routing"
	"github.com/ops-relay/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Local   LocalConfig   `yaml:"local"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RelayConfig relay connection configuration
type RelayConfig struct {
	URL                 string `yaml:"url"`                  // Relay base URL (e.g., "https://relay.example")
	RegisterPath        string `yaml:"register_path"`        // Registration endpoint path on the relay
	NetworkID           string `yaml:"network_id"`           // Identifier to register under (generated when empty)
	NetworkName         string `yaml:"network_name"`         // Display name sent with the registration (optional)
	HeartbeatInterval   int    `yaml:"heartbeat_interval"`   // Heartbeat interval in seconds
	ReconnectDelay      int    `yaml:"reconnect_delay"`      // Base reconnect delay in seconds, multiplied by the attempt number
	MaxReconnect        int    `yaml:"max_reconnect"`        // Max consecutive reconnect attempts before giving up
	RegistrationTimeout int    `yaml:"registration_timeout"` // Time to wait for the registered reply in seconds
	HandshakeTimeout    int    `yaml:"handshake_timeout"`    // WebSocket handshake timeout in seconds
}

// LocalConfig local server configuration
type LocalConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	UseHTTPS            bool   `yaml:"use_https"`
	RequestTimeout      int    `yaml:"request_timeout"`       // Timeout for a forwarded request in seconds
	PublishStatusEvents bool   `yaml:"publish_status_events"` // Send tunnel status transitions to the local network as events
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig metrics and status listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TelemetryPath string `yaml:"telemetry_path"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Relay.RegisterPath == "" {
		c.Relay.RegisterPath = routing.DefaultRegisterPath
	}
	if c.Relay.HeartbeatInterval == 0 {
		c.Relay.HeartbeatInterval = 30
	}
	if c.Relay.ReconnectDelay == 0 {
		c.Relay.ReconnectDelay = 3
	}
	if c.Relay.MaxReconnect == 0 {
		c.Relay.MaxReconnect = 5
	}
	if c.Relay.RegistrationTimeout == 0 {
		c.Relay.RegistrationTimeout = 30
	}
	if c.Relay.HandshakeTimeout == 0 {
		c.Relay.HandshakeTimeout = 15
	}

	if c.Local.Host == "" {
		c.Local.Host = "127.0.0.1"
	}
	if c.Local.Port == 0 {
		c.Local.Port = 8700
	}
	if c.Local.RequestTimeout == 0 {
		c.Local.RequestTimeout = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// EnsureNetworkID generates a network id when none is configured and returns it
func (c *Config) EnsureNetworkID() string {
	if c.Relay.NetworkID == "" {
		c.Relay.NetworkID = "net-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return c.Relay.NetworkID
}

// Validate checks the fields a tunnel cannot start without
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Relay.URL) == "" {
		return fmt.Errorf("relay url is required (use RELAY_URL env var, --relay.url flag, or config file)")
	}
	if _, err := routing.NormalizeRelayURL(c.Relay.URL, c.Relay.RegisterPath); err != nil {
		return err
	}
	if c.Local.Port < 0 || c.Local.Port > 65535 {
		return fmt.Errorf("local port out of range: %d", c.Local.Port)
	}
	if c.Relay.MaxReconnect < 0 {
		return fmt.Errorf("max_reconnect must not be negative: %d", c.Relay.MaxReconnect)
	}
	return nil
}

// TunnelConfig converts the file configuration into the per-connection relay config
func (c *Config) TunnelConfig() types.RelayConfig {
	return types.RelayConfig{
		RelayBaseURL: c.Relay.URL,
		NetworkID:    c.Relay.NetworkID,
		NetworkName:  c.Relay.NetworkName,
		LocalHost:    c.Local.Host,
		LocalPort:    c.Local.Port,
		UseHTTPS:     c.Local.UseHTTPS,
	}
}

// GetHeartbeatInterval gets heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Relay.HeartbeatInterval) * time.Second
}

// GetReconnectDelay gets the base reconnect delay
func (c *Config) GetReconnectDelay() time.Duration {
	return time.Duration(c.Relay.ReconnectDelay) * time.Second
}

// GetRegistrationTimeout gets registration timeout
func (c *Config) GetRegistrationTimeout() time.Duration {
	return time.Duration(c.Relay.RegistrationTimeout) * time.Second
}

// GetHandshakeTimeout gets WebSocket handshake timeout
func (c *Config) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.Relay.HandshakeTimeout) * time.Second
}

// GetRequestTimeout gets forwarded request timeout
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Local.RequestTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Relay config
	if val := os.Getenv("RELAY_URL"); val != "" {
		c.Relay.URL = val
	}
	if val := os.Getenv("RELAY_REGISTER_PATH"); val != "" {
		c.Relay.RegisterPath = val
	}
	if val := os.Getenv("RELAY_NETWORK_ID"); val != "" {
		c.Relay.NetworkID = val
	} else if val := os.Getenv("NETWORK_ID"); val != "" {
		c.Relay.NetworkID = val
	}
	if val := os.Getenv("RELAY_NETWORK_NAME"); val != "" {
		c.Relay.NetworkName = val
	}
	setInt(&c.Relay.HeartbeatInterval, "RELAY_HEARTBEAT_INTERVAL_SECONDS")
	setInt(&c.Relay.ReconnectDelay, "RELAY_RECONNECT_DELAY_SECONDS")
	setInt(&c.Relay.MaxReconnect, "RELAY_MAX_RECONNECT")
	setInt(&c.Relay.RegistrationTimeout, "RELAY_REGISTRATION_TIMEOUT_SECONDS")
	setInt(&c.Relay.HandshakeTimeout, "RELAY_HANDSHAKE_TIMEOUT_SECONDS")

	// Local server config
	if val := os.Getenv("LOCAL_HOST"); val != "" {
		c.Local.Host = val
	}
	setInt(&c.Local.Port, "LOCAL_PORT")
	setBool(&c.Local.UseHTTPS, "LOCAL_USE_HTTPS")
	setInt(&c.Local.RequestTimeout, "LOCAL_REQUEST_TIMEOUT_SECONDS")
	setBool(&c.Local.PublishStatusEvents, "LOCAL_PUBLISH_STATUS_EVENTS")

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Metrics config
	if val := os.Getenv("METRICS_LISTEN_ADDRESS"); val != "" {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}
