package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/harun/logdeck/internal/logger"
	"github.com/harun/logdeck/pkg/recent"
	"github.com/harun/logdeck/pkg/session"
	"github.com/harun/logdeck/pkg/window"
)

// Config represents the main logdeck configuration
type Config struct {
	// Engine side: the process that owns the row store and runs jobs
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Client side: how the viewer reaches an engine
	Client ClientConfig `json:"client" mapstructure:"client"`

	// Per-session viewer state
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig holds engine server configuration
type EngineConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	SharedSecret    string        `json:"shared_secret" mapstructure:"shared_secret"`
	StorePath       string        `json:"store_path" mapstructure:"store_path"`
	Concurrency     int           `json:"concurrency" mapstructure:"concurrency"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Plugins         PluginsConfig `json:"plugins" mapstructure:"plugins"`
}

// PluginsConfig holds plugin discovery settings
type PluginsConfig struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	ReloadSchedule string `json:"reload_schedule" mapstructure:"reload_schedule"` // cron spec
	Watch          bool   `json:"watch" mapstructure:"watch"`
}

// ClientConfig holds engine connection settings for the viewer
type ClientConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	SharedSecret string        `json:"shared_secret" mapstructure:"shared_secret"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
}

// SessionConfig holds window, recent-row and idle settings
type SessionConfig struct {
	Window      window.Config `json:"window" mapstructure:"window"`
	Recent      recent.Config `json:"recent" mapstructure:"recent"`
	IdleTimeout time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Host:            "127.0.0.1",
			Port:            7420,
			Concurrency:     4,
			ShutdownTimeout: 30 * time.Second,
			Plugins: PluginsConfig{
				ReloadSchedule: "@every 10m",
				Watch:          true,
			},
		},
		Client: ClientConfig{
			URL:         "ws://127.0.0.1:7420/ws",
			DialTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Window:      window.DefaultConfig(),
			Recent:      recent.DefaultConfig(),
			IdleTimeout: session.DefaultIdleTimeout,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "logdeck",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Engine.SharedSecret != "" {
		masked.Engine.SharedSecret = "***"
	}
	if masked.Client.SharedSecret != "" {
		masked.Client.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Addr returns the engine listen address
func (e EngineConfig) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Logger converts the logging section into logger settings
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:     l.Level,
		File:      l.File,
		Console:   l.Console,
		Pretty:    l.Pretty,
		Redaction: l.Redaction,
		MaxSizeMB: l.MaxSize,
		MaxAge:    l.MaxAge,
		Compress:  l.Compress,
	}
}

// Sessions converts the session section into session manager settings
func (s SessionConfig) Sessions() session.Config {
	return session.Config{
		Window: s.Window,
		Recent: s.Recent,
	}
}

// ValidateEngine checks the settings needed to run an engine
func (c *Config) ValidateEngine() error {
	if c.Engine.SharedSecret == "" {
		return fmt.Errorf("engine shared secret is required")
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("invalid engine port %d", c.Engine.Port)
	}
	if c.Engine.StorePath == "" {
		return fmt.Errorf("engine store path is required")
	}
	if c.Engine.Plugins.Dir == "" {
		return fmt.Errorf("engine plugins dir is required")
	}
	return nil
}

// ValidateClient checks the settings needed to reach an engine
func (c *Config) ValidateClient() error {
	if c.Client.SharedSecret == "" {
		return fmt.Errorf("client shared secret is required")
	}
	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return fmt.Errorf("invalid client url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client url must use ws or wss, got %q", u.Scheme)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
