package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration options for the nova-driver application
type Config struct {
	// Backend Configuration
	BackendURL string `json:"backend_url" env:"NOVA_DRIVER_BACKEND_URL"` // Rewards backend base URL
	AuthToken  string `json:"auth_token" env:"NOVA_DRIVER_AUTH_TOKEN"`   // Driver session token (empty = signed out)
	APITimeout int    `json:"api_timeout" env:"NOVA_DRIVER_API_TIMEOUT"` // API request timeout in seconds (default: 10)
	Insecure   bool   `json:"insecure" env:"NOVA_DRIVER_INSECURE"`       // Skip TLS verification (self-signed staging backends)

	// MQTT Configuration
	MQTTUrl         string `json:"mqtt_url" env:"NOVA_DRIVER_MQTT_URL"`                 // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string `json:"discovery_prefix" env:"NOVA_DRIVER_DISCOVERY_PREFIX"` // Home Assistant discovery prefix

	// Device Configuration
	DeviceID string `json:"device_id" env:"NOVA_DRIVER_DEVICE_ID"` // Unique device identifier

	// Application Configuration
	Verbose  bool `json:"verbose" env:"NOVA_DRIVER_VERBOSE"` // Enable verbose logging
	MockMode bool `json:"mock_mode" env:"NOVA_DRIVER_MOCK"`  // Synthesize exclusives locally, skip confidence gate

	// Driver Configuration
	ChargersFile    string        `json:"chargers_file" env:"NOVA_DRIVER_CHARGERS"`        // JSON list of known chargers
	SnapshotPath    string        `json:"snapshot_path" env:"NOVA_DRIVER_SNAPSHOT"`        // SQLite file for last-known coordinates
	GeofenceRadiusM float64       `json:"geofence_radius_m" env:"NOVA_DRIVER_RADIUS"`      // In-radius threshold
	SessionPoll     time.Duration `json:"session_poll" env:"NOVA_DRIVER_SESSION_POLL"`     // Charging session poll interval
	ExclusivePoll   time.Duration `json:"exclusive_poll" env:"NOVA_DRIVER_EXCLUSIVE_POLL"` // Active exclusive poll interval
	UseDeviceGPS    bool          `json:"use_device_gps" env:"NOVA_DRIVER_DEVICE_GPS"`     // Read location via dumpsys
	Notifications   bool          `json:"notifications" env:"NOVA_DRIVER_NOTIFICATIONS"`   // Post termux notifications
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		BackendURL:      "http://localhost:8000",
		APITimeout:      10,
		DiscoveryPrefix: "homeassistant",
		DeviceID:        "",
		Verbose:         false,
		SnapshotPath:    "nova-driver.db",
		GeofenceRadiusM: GeofenceRadiusM,
		SessionPoll:     SessionPollInterval,
		ExclusivePoll:   ExclusivePollInterval,
		UseDeviceGPS:    true,
		Notifications:   true,
	}
}

// LoadEnv overlays NOVA_DRIVER_* environment variables onto c. Unset
// variables keep the current value.
func (c *Config) LoadEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend URL must be an absolute http(s) URL")
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	// Set defaults for invalid values
	if c.APITimeout <= 0 {
		c.APITimeout = 10
	}
	if c.GeofenceRadiusM <= 0 {
		c.GeofenceRadiusM = GeofenceRadiusM
	}
	if c.SessionPoll <= 0 {
		c.SessionPoll = SessionPollInterval
	}
	if c.ExclusivePoll <= 0 {
		c.ExclusivePoll = ExclusivePollInterval
	}

	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// GetAPITimeout returns the API timeout as a duration
func (c *Config) GetAPITimeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}
