package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/engine"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the logdeck engine",
	Long: `Run the logdeck engine in the foreground.
The engine owns the row store, discovers plugins and answers viewer
requests on an authenticated websocket until it receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config engine.host:engine.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := setup(true)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	if err := cfg.ValidateEngine(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := getPIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("engine is already running (PID file: %s)", pidFile)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	audit := observability.Audit()
	if err := audit.Open(filepath.Join(cfg.DataDir, "audit.log"), cfg.Logging.MaxSize, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer audit.Close()

	store, err := engine.OpenStore(cfg.Engine.StorePath, rt.log.Component("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	fs := afero.NewOsFs()
	plugins := engine.NewPluginManager(fs, cfg.Engine.Plugins.Dir, rt.log.Component("plugins"))
	if err := plugins.Reload(contextOf(cmd)); err != nil {
		rt.log.Warn().Err(err).Msg("Initial plugin scan failed")
	}
	if err := plugins.Start(cfg.Engine.Plugins.ReloadSchedule, cfg.Engine.Plugins.Watch); err != nil {
		return err
	}
	defer plugins.Stop()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Engine.Addr()
	}

	srv, err := engine.NewServer(engine.Config{
		Addr:            addr,
		SharedSecret:    cfg.Engine.SharedSecret,
		Store:           store,
		Plugins:         plugins,
		FS:              fs,
		Concurrency:     cfg.Engine.Concurrency,
		ShutdownTimeout: cfg.Engine.ShutdownTimeout,
		Logger:          rt.log.Component("engine"),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		_ = srv.Stop()
		return err
	}
	defer os.Remove(pidFile)

	fmt.Fprintf(cmd.OutOrStdout(), "Engine listening on %s\n", srv.Addr())

	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	rt.log.Info().Msg("Shutdown signal received")
	return srv.Stop()
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func getPIDFilePath(dataDir string) string {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "logdeck.pid")
		}
		dataDir = filepath.Join(home, ".logdeck")
	}
	return filepath.Join(dataDir, "logdeck.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
