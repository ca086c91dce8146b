package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIPort, cfg.API.Port)
	assert.Equal(t, DefaultGatewayPort, cfg.Gateway.Port)

	// The default file must have been written out.
	_, err = os.Stat(filepath.Join(dir, DefaultConfigFile))
	assert.NoError(t, err)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	// A sparse file, as an operator would hand-edit it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile),
		[]byte(`{"api": {"port": 9000}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.API.Port)
	// Unset sections keep their defaults.
	assert.Equal(t, DefaultGatewayPort, cfg.Gateway.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9000", cfg.APIAddr())
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile),
		[]byte(`{"api": `), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateRejectsEqualPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Port = cfg.API.Port

	result := Validate(cfg)
	assert.False(t, result.IsValid())
}

func TestValidateMQTTRequiresBroker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = ""

	result := Validate(cfg)
	assert.False(t, result.IsValid())
}

func TestValidateMQTTCertPair(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = "broker.example.com"
	cfg.MQTT.CertFile = "client.crt" // key file missing

	result := Validate(cfg)
	assert.False(t, result.IsValid())
}

func TestValidateWebhookURLScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Webhook.URL = "ftp://hooks.example.com/x"

	result := Validate(cfg)
	assert.False(t, result.IsValid())

	cfg.Webhook.URL = "https://hooks.example.com/x"
	assert.True(t, Validate(cfg).IsValid())
}

func TestValidateMissingCookieFileIsWarningOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cookies.File = filepath.Join(t.TempDir(), "absent.json")

	result := Validate(cfg)
	assert.True(t, result.IsValid())
	assert.NotEmpty(t, result.Warnings)
}

func TestFileCookieSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"ts1.example.com": [
			{"name": "SESSID", "value": "abc123", "domain": "ts1.example.com", "path": "/"}
		]
	}`), 0644))

	src := NewFileCookieSource(path)

	cookies, err := src.Cookies("ts1.example.com")
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, &http.Cookie{
		Name:   "SESSID",
		Value:  "abc123",
		Domain: "ts1.example.com",
		Path:   "/",
	}, cookies[0])

	_, err = src.Cookies("other.example.com")
	assert.Error(t, err)
}

func TestFileCookieSourceMissingFile(t *testing.T) {
	src := NewFileCookieSource(filepath.Join(t.TempDir(), "nope.json"))
	_, err := src.Cookies("ts1.example.com")
	assert.Error(t, err)
}
