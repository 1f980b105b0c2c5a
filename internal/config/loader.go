package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LOGDECK_ENGINE_PORT.
const EnvPrefix = "LOGDECK"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func defaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".logdeck"), nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// newViper builds a viper instance that knows every config key, so that
// environment overrides apply even without a config file.
func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("engine.host", d.Engine.Host)
	v.SetDefault("engine.port", d.Engine.Port)
	v.SetDefault("engine.shared_secret", d.Engine.SharedSecret)
	v.SetDefault("engine.store_path", d.Engine.StorePath)
	v.SetDefault("engine.concurrency", d.Engine.Concurrency)
	v.SetDefault("engine.shutdown_timeout", d.Engine.ShutdownTimeout)
	v.SetDefault("engine.plugins.dir", d.Engine.Plugins.Dir)
	v.SetDefault("engine.plugins.reload_schedule", d.Engine.Plugins.ReloadSchedule)
	v.SetDefault("engine.plugins.watch", d.Engine.Plugins.Watch)
	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.shared_secret", d.Client.SharedSecret)
	v.SetDefault("client.dial_timeout", d.Client.DialTimeout)
	v.SetDefault("session.window.margin", d.Session.Window.Margin)
	v.SetDefault("session.window.item_height", d.Session.Window.ItemHeight)
	v.SetDefault("session.recent.max_sessions", d.Session.Recent.MaxSessions)
	v.SetDefault("session.recent.max_packets", d.Session.Recent.MaxPackets)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("data_dir", d.DataDir)
	return v
}

// Load loads the configuration from file and environment
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := defaultHome()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = home
	}

	if cfg.Engine.StorePath == "" {
		cfg.Engine.StorePath = filepath.Join(cfg.DataDir, "rows.db")
	}
	if cfg.Engine.Plugins.Dir == "" {
		cfg.Engine.Plugins.Dir = filepath.Join(cfg.DataDir, "plugins")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logdeck.log")
	}
	// one secret is enough for a local engine and viewer
	if cfg.Client.SharedSecret == "" {
		cfg.Client.SharedSecret = cfg.Engine.SharedSecret
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	// go through the json tags so every format gets the canonical keys
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	for key, value := range values {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// the file holds shared secrets
	if err := os.Chmod(configPath, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := defaultHome()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "logdeck.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
