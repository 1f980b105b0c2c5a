package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSharedSecret validates a shared secret when one is set
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return nil // checked by the command that needs it
	}
	if len(secret) < 8 {
		return fmt.Errorf("shared secret is too short (min 8 characters)")
	}
	if strings.TrimSpace(secret) != secret {
		return fmt.Errorf("shared secret cannot have surrounding whitespace")
	}
	return nil
}

// ValidateEngineURL validates the websocket URL of an engine
func (v *Validator) ValidateEngineURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("engine url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid engine url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("engine url must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("engine url has no host")
	}
	return nil
}

// ValidateSchedule validates a plugin reload cron spec
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // reloads disabled
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConcurrency validates the engine job concurrency
func (v *Validator) ValidateConcurrency(n int) error {
	if n <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", n)
	}
	if n > 256 {
		return fmt.Errorf("concurrency too large (max 256), got %d", n)
	}
	return nil
}

// ValidateItemHeight validates the scroll-area row height hint
func (v *Validator) ValidateItemHeight(h float64) error {
	if math.IsNaN(h) || math.IsInf(h, 0) || h <= 0 {
		return fmt.Errorf("item height must be a positive number, got %v", h)
	}
	return nil
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(r float64) error {
	if math.IsNaN(r) || r < 0 || r > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %v", r)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

func nonNegative(field string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", field)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	// Engine
	add(v.ValidatePort(cfg.Engine.Port))
	if err := v.ValidateSharedSecret(cfg.Engine.SharedSecret); err != nil {
		add(fmt.Errorf("engine: %w", err))
	}
	add(v.ValidateConcurrency(cfg.Engine.Concurrency))
	add(nonNegative("engine.shutdown_timeout", cfg.Engine.ShutdownTimeout))
	add(v.ValidateSchedule(cfg.Engine.Plugins.ReloadSchedule))

	// Client
	add(v.ValidateEngineURL(cfg.Client.URL))
	if err := v.ValidateSharedSecret(cfg.Client.SharedSecret); err != nil {
		add(fmt.Errorf("client: %w", err))
	}
	add(nonNegative("client.dial_timeout", cfg.Client.DialTimeout))

	// Session
	add(v.ValidateItemHeight(cfg.Session.Window.ItemHeight))
	if cfg.Session.Recent.MaxSessions < 0 {
		add(fmt.Errorf("session.recent.max_sessions must be >= 0"))
	}
	if cfg.Session.Recent.MaxPackets < 0 {
		add(fmt.Errorf("session.recent.max_packets must be >= 0"))
	}
	add(nonNegative("session.idle_timeout", cfg.Session.IdleTimeout))

	// Logging
	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Logging.MaxSize < 0 {
		add(fmt.Errorf("logging.max_size must be >= 0"))
	}

	// Tracing
	if cfg.Tracing.Enabled {
		add(v.ValidateSampleRatio(cfg.Tracing.SampleRatio))
	}

	return errors
}
