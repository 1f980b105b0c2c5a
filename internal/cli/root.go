package cli

import (
	"context"
	"fmt"

	"github.com/harun/logdeck/internal/config"
	"github.com/harun/logdeck/internal/logger"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "logdeck",
	Short: "logdeck - log stream viewer and engine",
	Long: `logdeck ingests log files into a local engine and serves them to
viewers over an authenticated websocket. The engine runs background jobs
(folder scans, checksums, statistics) that viewers can cancel at any time.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.logdeck/logdeck.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// runtime is what every command gets after loading config.
type runtime struct {
	cfg *config.Config
	log *logger.Logger
}

func (r *runtime) Close() {
	if r.cfg.Tracing.Enabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
	}
	_ = r.log.Close()
}

// setup loads the config, installs the global logger and, when enabled,
// the tracer provider. fileLog keeps the log file for long-running commands.
func setup(fileLog bool) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lc := cfg.Logging.Logger()
	if !fileLog {
		lc.File = ""
	}
	log, err := logger.New(lc)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
	}

	return &runtime{cfg: cfg, log: log}, nil
}
