package config

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePort(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(7420))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateSharedSecret(t *testing.T) {
	v := NewValidator()

	t.Run("unset", func(t *testing.T) {
		assert.NoError(t, v.ValidateSharedSecret(""))
	})

	t.Run("too short", func(t *testing.T) {
		assert.Error(t, v.ValidateSharedSecret("short"))
	})

	t.Run("padded", func(t *testing.T) {
		assert.Error(t, v.ValidateSharedSecret(" correct-horse "))
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateSharedSecret("correct-horse"))
	})
}

func TestValidateEngineURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:7420/ws", false},
		{"wss://engine.example.com/ws", false},
		{"", true},
		{"http://localhost:7420", true},
		{"ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := v.ValidateEngineURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 5m"))
	assert.NoError(t, v.ValidateSchedule("*/15 * * * *"))
	assert.Error(t, v.ValidateSchedule("* * *"))
}

func TestValidateNumbers(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateConcurrency(4))
	assert.Error(t, v.ValidateConcurrency(0))
	assert.Error(t, v.ValidateConcurrency(1000))

	assert.NoError(t, v.ValidateItemHeight(16))
	assert.Error(t, v.ValidateItemHeight(0))
	assert.Error(t, v.ValidateItemHeight(math.NaN()))
	assert.Error(t, v.ValidateItemHeight(math.Inf(1)))

	assert.NoError(t, v.ValidateSampleRatio(0.25))
	assert.Error(t, v.ValidateSampleRatio(1.5))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	assert.Empty(t, v.ValidateConfig(DefaultConfig()))

	cfg := DefaultConfig()
	cfg.Engine.Port = -1
	cfg.Logging.Level = "loud"
	cfg.Session.Recent.MaxPackets = -2
	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 2

	errs := v.ValidateConfig(cfg)
	assert.Len(t, errs, 4)
}
