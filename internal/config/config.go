// Package config handles process-level configuration loading, validation
// and persistence for the Warden supervisor. Per-server bot behaviour
// lives in storage (see internal/game.BotConfig); this package covers
// only what the process needs before any bot exists: listen addresses,
// broker endpoints, storage and logging.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultAPIPort     = 5810
	DefaultGatewayPort = 5811
)

// Config is the root configuration structure for Warden.
type Config struct {
	mu   sync.RWMutex
	path string

	Gateway  GatewayConfig  `json:"gateway"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Webhook  WebhookConfig  `json:"webhook"`
	Storage  StorageConfig  `json:"storage"`
	Cookies  CookiesConfig  `json:"cookies"`
	Logging  LoggingConfig  `json:"logging"`
}

// GatewayConfig holds the executor websocket gateway settings.
type GatewayConfig struct {
	Port int `json:"port"`
}

// APIConfig holds the REST API settings.
type APIConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	// AuthToken, when non-empty, is required as a bearer token on every
	// non-public endpoint.
	AuthToken string `json:"auth_token"`
}

// MQTTConfig holds MQTT alert publishing settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL               string `json:"url"`
	NotifyOnEmergency bool   `json:"notify_on_emergency"`
	NotifyOnStop      bool   `json:"notify_on_stop"`
}

// StorageConfig holds the persistent store settings.
type StorageConfig struct {
	Path string `json:"path"`
}

// CookiesConfig holds the session cookie source settings. The cookie
// file maps server keys to the session cookies the farm-list API calls
// are made with.
type CookiesConfig struct {
	File string `json:"file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: DefaultGatewayPort,
		},
		API: APIConfig{
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Port:    8883,
			UseTLS:  true,
		},
		Webhook: WebhookConfig{
			NotifyOnEmergency: true,
			NotifyOnStop:      true,
		},
		Storage: StorageConfig{
			Path: filepath.Join("data", "warden.db"),
		},
		Cookies: CookiesConfig{
			File: filepath.Join(DefaultConfigDir, "cookies.json"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating the default when
// none exists yet.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always carries the complete option set,
	// including fields added after the file was first written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GatewayAddr returns the listen address of the executor gateway.
func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf(":%d", c.Gateway.Port)
}

// APIAddr returns the listen address of the REST API.
func (c *Config) APIAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf(":%d", c.API.Port)
}
