package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/harun/logdeck/internal/config"
	"github.com/harun/logdeck/pkg/engine"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long:  `Show whether the local engine is running and, if reachable, its health report.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// healthReport mirrors the engine's /healthz body.
type healthReport struct {
	Status      string                  `json:"status"`
	Methods     int                     `json:"methods"`
	Connections []engine.ConnectionInfo `json:"connections"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		pid, err := readPID(pidFile)
		if err != nil {
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		fmt.Fprintf(out, "Status: running\n")
		fmt.Fprintf(out, "PID: %d\n", pid)
		// PID file modification time approximates the start time
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s (started %s)\n", formatDuration(time.Since(info.ModTime())), humanize.Time(info.ModTime()))
		}
	}

	healthURL, err := healthzURL(cfg.Client.URL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(contextOf(cmd), 3*time.Second)
	defer cancel()

	report, err := fetchHealth(ctx, healthURL)
	if err != nil {
		fmt.Fprintf(out, "Engine at %s: unreachable (%v)\n", healthURL, err)
		return nil
	}
	printHealth(out, healthURL, report)
	return nil
}

// healthzURL derives the engine's health endpoint from its websocket URL.
func healthzURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid engine url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("engine url must use ws or wss, got %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/healthz"
	return u.String(), nil
}

func fetchHealth(ctx context.Context, healthURL string) (*healthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("invalid health report: %w", err)
	}
	return &report, nil
}

func printHealth(out io.Writer, healthURL string, report *healthReport) {
	fmt.Fprintf(out, "Engine at %s: %s (%d methods)\n", healthURL, report.Status, report.Methods)
	fmt.Fprintf(out, "Connections: %d\n", len(report.Connections))
	for _, c := range report.Connections {
		state := "active"
		if c.Idle {
			state = "idle"
		}
		fmt.Fprintf(out, "  %s  %s  connected %s  %s  sessions: %d\n",
			c.ID, c.RemoteAddr, humanize.Time(c.ConnectedAt), state, c.Sessions)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
