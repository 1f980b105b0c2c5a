package cli

import (
	"fmt"

	"github.com/harun/logdeck/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

var (
	configureSecret  string
	configureHost    string
	configurePort    int
	configureDataDir string
	configureForce   bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a logdeck configuration file",
	Long: `Write a logdeck configuration file with the given settings.
A random shared secret is generated unless --secret is given; the engine and
local viewer both use it.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureSecret, "secret", "", "shared secret (generated when empty)")
	configureCmd.Flags().StringVar(&configureHost, "host", "", "engine listen host")
	configureCmd.Flags().IntVar(&configurePort, "port", 0, "engine listen port")
	configureCmd.Flags().StringVar(&configureDataDir, "data-dir", "", "data directory")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "replace the shared secret of an existing config")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if configureHost != "" {
		cfg.Engine.Host = configureHost
	}
	if configurePort != 0 {
		cfg.Engine.Port = configurePort
	}
	if configureDataDir != "" {
		cfg.DataDir = configureDataDir
		cfg.Engine.StorePath = ""
		cfg.Engine.Plugins.Dir = ""
		cfg.Logging.File = ""
	}
	cfg.Client.URL = fmt.Sprintf("ws://%s/ws", cfg.Engine.Addr())

	switch {
	case configureSecret != "":
		cfg.Engine.SharedSecret = configureSecret
	case cfg.Engine.SharedSecret == "" || configureForce:
		secret, err := gonanoid.New(32)
		if err != nil {
			return fmt.Errorf("failed to generate secret: %w", err)
		}
		cfg.Engine.SharedSecret = secret
	}
	cfg.Client.SharedSecret = cfg.Engine.SharedSecret

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start the engine with: logdeck serve")
	return nil
}
