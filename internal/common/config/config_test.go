package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3456, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "/webhook", cfg.Webhook.Path)
	assert.Equal(t, "bearer", cfg.Webhook.AuthMode)
	assert.True(t, strings.HasPrefix(cfg.Webhook.APIKey, "dev-token"), "bearer mode generates a dev token when unset")
	assert.Empty(t, cfg.NATS.URL)
	assert.False(t, cfg.Docker.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Runner.StopGrace())
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout())

	assert.True(t, strings.HasSuffix(cfg.Cyrus.HomeDir(), ".cyrus"))
	assert.Equal(t, filepath.Join(cfg.Cyrus.HomeDir(), "config.json"), cfg.Cyrus.ConfigPath())
	assert.Equal(t, filepath.Join(cfg.Cyrus.HomeDir(), "state"), cfg.Cyrus.StateDir())
}

func TestLoadEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CYRUS_SERVER_PORT", "9999")
	t.Setenv("CYRUS_HOME", home)
	t.Setenv("CYRUS_WEBHOOK_AUTH_MODE", "hmac")
	t.Setenv("CYRUS_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, home, cfg.Cyrus.HomeDir())
	assert.Equal(t, "hmac", cfg.Webhook.AuthMode)
	assert.Equal(t, "s3cret", cfg.Webhook.Secret)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "server:\n  port: 4567\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cyrus.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 4567, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadValidation(t *testing.T) {
	t.Run("hmac requires secret", func(t *testing.T) {
		t.Setenv("CYRUS_WEBHOOK_AUTH_MODE", "hmac")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook.secret")
	})

	t.Run("port range", func(t *testing.T) {
		t.Setenv("CYRUS_SERVER_PORT", "0")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("unknown auth mode", func(t *testing.T) {
		t.Setenv("CYRUS_WEBHOOK_AUTH_MODE", "mtls")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook.authMode")
	})
}
