package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the process configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validatePort(cfg.API.Port, "api.port", result)
	validatePort(cfg.Gateway.Port, "gateway.port", result)
	if cfg.API.Port == cfg.Gateway.Port {
		result.AddError("gateway.port", "gateway and API ports must differ")
	}

	if cfg.API.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
		if cfg.MQTT.UseTLS && (cfg.MQTT.CertFile != "") != (cfg.MQTT.KeyFile != "") {
			result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
		}
	}

	if cfg.Webhook.URL != "" {
		if u, err := url.Parse(cfg.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			result.AddError("webhook.url", "webhook URL must be an http(s) URL")
		}
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		result.AddError("storage.path", "storage path is required")
	}

	if cfg.Cookies.File != "" {
		if _, err := os.Stat(cfg.Cookies.File); os.IsNotExist(err) {
			result.AddWarning("cookies.file",
				fmt.Sprintf("cookie file does not exist: %s (farm-list API calls will fail)", cfg.Cookies.File))
		}
	}

	return result
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
