package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "127.0.0.1", cfg.Engine.Host)
	assert.Equal(t, 7420, cfg.Engine.Port)
	assert.Equal(t, 4, cfg.Engine.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Engine.ShutdownTimeout)
	assert.Equal(t, "@every 10m", cfg.Engine.Plugins.ReloadSchedule)
	assert.Equal(t, "ws://127.0.0.1:7420/ws", cfg.Client.URL)
	assert.Equal(t, uint64(50), cfg.Session.Window.Margin)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.SharedSecret = "correct-horse"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("short secret", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.SharedSecret = "abc"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "engine")
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.Plugins.ReloadSchedule = "every now and then"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad client url", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Client.URL = "http://localhost:7420"
		assert.Error(t, cfg.Validate())
	})
}

func TestConfigValidateEngine(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.ValidateEngine(), "shared secret")

	cfg.Engine.SharedSecret = "correct-horse"
	assert.ErrorContains(t, cfg.ValidateEngine(), "store path")

	cfg.Engine.StorePath = "/tmp/rows.db"
	cfg.Engine.Plugins.Dir = "/tmp/plugins"
	assert.NoError(t, cfg.ValidateEngine())
	assert.Equal(t, "127.0.0.1:7420", cfg.Engine.Addr())
}

func TestConfigValidateClient(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateClient())

	cfg.Client.SharedSecret = "correct-horse"
	assert.NoError(t, cfg.ValidateClient())

	cfg.Client.URL = "tcp://x"
	assert.Error(t, cfg.ValidateClient())
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.SharedSecret = "correct-horse"
	cfg.Client.SharedSecret = "battery-staple"

	out := cfg.String()
	assert.NotContains(t, out, "correct-horse")
	assert.NotContains(t, out, "battery-staple")
	assert.Contains(t, out, `"shared_secret": "***"`)
	assert.Equal(t, "correct-horse", cfg.Engine.SharedSecret)
}

func TestConfigConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.File = "/var/log/logdeck.log"

	lc := cfg.Logging.Logger()
	assert.Equal(t, "/var/log/logdeck.log", lc.File)
	assert.Equal(t, 100, lc.MaxSizeMB)
	assert.True(t, lc.Redaction)

	sc := cfg.Session.Sessions()
	assert.Equal(t, cfg.Session.Window, sc.Window)
	assert.Equal(t, cfg.Session.Recent, sc.Recent)
}
