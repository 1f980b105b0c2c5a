package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/jobs"
	"github.com/spf13/cobra"
)

var (
	jobsSession string

	scanDepth   int
	scanMax     int
	scanFiles   bool
	scanFolders bool

	regexIgnoreCase bool
	regexWord       bool
	regexPlain      bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run engine jobs",
	Long: `Run a job on the engine and print its result. Interrupting the command
cancels the job on the engine.`,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and manage engine plugins",
}

// jobCommand builds a leaf command that runs fn on a connected session.
func jobCommand(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := connect(ctx, jobsSession)
			if err != nil {
				return err
			}
			defer v.Close()

			return fn(ctx, v.session.Jobs, cmd.OutOrStdout(), args)
		},
	}
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsSession, "session", "cli", "session the jobs run in")
	pluginsCmd.PersistentFlags().StringVar(&jobsSession, "session", "cli", "session the jobs run in")

	scan := jobCommand("scan <path>...", "List folder content", cobra.MinimumNArgs(1), runScan)
	scan.Flags().IntVar(&scanDepth, "depth", 1, "maximum depth below each path")
	scan.Flags().IntVar(&scanMax, "max", 1000, "maximum number of entries")
	scan.Flags().BoolVar(&scanFiles, "files", true, "include files")
	scan.Flags().BoolVar(&scanFolders, "folders", true, "include folders")

	regex := jobCommand("regex <filter>", "Check a search filter", cobra.ExactArgs(1), runRegex)
	regex.Flags().BoolVar(&regexIgnoreCase, "ignore-case", false, "case-insensitive match")
	regex.Flags().BoolVar(&regexWord, "word", false, "match whole words")
	regex.Flags().BoolVar(&regexPlain, "plain", false, "treat the filter as plain text")

	jobsCmd.AddCommand(
		scan,
		regex,
		jobCommand("binary <file>", "Report whether a file is binary", cobra.ExactArgs(1), runBinary),
		jobCommand("checksum <file>", "Compute a file's SHA-256", cobra.ExactArgs(1), runChecksum),
		jobCommand("dlt-stats <file>...", "Summarize ids and levels", cobra.MinimumNArgs(1), runDltStats),
		jobCommand("someip-stats <file>...", "Count SOME/IP services and messages", cobra.MinimumNArgs(1), runSomeipStats),
		jobCommand("profiles", "List shell profiles", cobra.NoArgs, runProfiles),
		jobCommand("envvars", "Print the engine environment", cobra.NoArgs, runEnvvars),
		jobCommand("ports", "List serial ports", cobra.NoArgs, runPorts),
		jobCommand("spawn <path> [args]...", "Start a detached process on the engine host", cobra.MinimumNArgs(1), runSpawn),
		jobCommand("sleep <duration>", "Park an engine worker, useful to test cancellation", cobra.ExactArgs(1), runSleep),
	)

	pluginsCmd.AddCommand(
		jobCommand("list", "List installed and invalid plugins", cobra.NoArgs, runPluginsList),
		jobCommand("logs <dir>", "Print what the engine recorded while loading a plugin", cobra.ExactArgs(1), runPluginLogs),
		jobCommand("reload", "Rescan the plugins directory", cobra.NoArgs, runPluginsReload),
		jobCommand("add <dir>", "Install a plugin from a directory", cobra.ExactArgs(1), runPluginAdd),
		jobCommand("remove <dir>", "Remove an installed plugin", cobra.ExactArgs(1), runPluginRemove),
	)

	rootCmd.AddCommand(jobsCmd, pluginsCmd)
}

func runScan(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	res, err := j.ListContent(ctx, jobs.ListContentParams{
		Depth:          scanDepth,
		Max:            scanMax,
		Paths:          args,
		IncludeFiles:   scanFiles,
		IncludeFolders: scanFolders,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	printScan(out, res)
	return nil
}

func printScan(out io.Writer, res codec.FoldersScanningResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSIZE\tPATH")
	for _, e := range res.List {
		size := "-"
		if e.Kind == codec.EntityFile {
			size = humanize.IBytes(uint64(e.Size))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Kind, size, e.FullName)
	}
	_ = w.Flush()
	if res.MaxReached {
		fmt.Fprintln(out, "-- limit reached, listing is incomplete")
	}
}

func runRegex(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	msg, err := j.GetRegexError(ctx, jobs.FilterParams{
		Value:      args[0],
		IsRegex:    !regexPlain,
		IgnoreCase: regexIgnoreCase,
		IsWord:     regexWord,
	}).Wait(ctx)
	if err != nil {
		return err
	}
	if msg != nil {
		return fmt.Errorf("invalid filter: %s", *msg)
	}
	fmt.Fprintln(out, "Filter is valid")
	return nil
}

func runBinary(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	binary, err := j.IsFileBinary(ctx, args[0]).Wait(ctx)
	if err != nil {
		return err
	}
	if binary {
		fmt.Fprintf(out, "%s: binary\n", args[0])
	} else {
		fmt.Fprintf(out, "%s: text\n", args[0])
	}
	return nil
}

func runChecksum(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	sum, err := j.GetFileChecksum(ctx, args[0]).Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s  %s\n", sum, args[0])
	return nil
}

func runDltStats(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	stats, err := j.GetDltStats(ctx, args).Wait(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tID\tFATAL\tERROR\tWARN\tINFO\tDEBUG\tVERBOSE\tTOTAL")
	groups := []struct {
		name string
		ids  []codec.IDStatistic
	}{
		{"app", stats.AppIDs},
		{"context", stats.ContextIDs},
		{"ecu", stats.EcuIDs},
	}
	for _, g := range groups {
		for _, id := range g.ids {
			l := id.Levels
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				g.name, id.ID, l.Fatal, l.Error, l.Warn, l.Info, l.Debug, l.Verbose, humanize.Comma(int64(l.Total())))
		}
	}
	return w.Flush()
}

func runSomeipStats(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	stats, err := j.GetSomeipStatistic(ctx, args).Wait(ctx)
	if err != nil {
		return err
	}
	printCounts(out, "SERVICE", stats.Services)
	printCounts(out, "MESSAGE", stats.Messages)
	return nil
}

func printCounts(out io.Writer, title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tCOUNT\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, humanize.Comma(int64(counts[k])))
	}
	_ = w.Flush()
}

func runProfiles(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	profiles, err := j.GetShellProfiles(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tSYMLINK")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%t\n", p.Name, p.Path, p.Symlink)
	}
	return w.Flush()
}

func runEnvvars(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	env, err := j.GetContextEnvvars(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s=%s\n", k, env[k])
	}
	return nil
}

func runPorts(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	ports, err := j.GetSerialPortsList(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports")
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}

func runSpawn(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	if _, err := j.SpawnProcess(ctx, args[0], args[1:]).Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Started %s\n", args[0])
	return nil
}

func runSleep(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	start := time.Now()
	if _, err := j.Sleep(ctx, uint64(d.Milliseconds())).Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Slept %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runPluginsList(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	installed, err := j.InstalledPluginsList(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	invalid, err := j.InvalidPluginsList(ctx).Wait(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tTYPE\tID\tVERSION\tDIR")
	for _, p := range installed {
		fmt.Fprintf(w, "installed\t%s\t%s\t%s\t%s\n", p.PluginType, p.Info.ID, p.Info.Version, p.DirPath)
	}
	for _, p := range invalid {
		fmt.Fprintf(w, "invalid\t%s\t-\t-\t%s (%s)\n", p.PluginType, p.DirPath, p.Reason)
	}
	return w.Flush()
}

func runPluginLogs(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	data, err := j.GetPluginRunData(ctx, args[0]).Wait(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("no plugin at %s", args[0])
	}
	for _, l := range data.Logs {
		fmt.Fprintf(out, "%s [%s] %s\n", time.UnixMilli(l.TimestampMs).Format(time.RFC3339), l.Level, l.Msg)
	}
	return nil
}

func runPluginsReload(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	if _, err := j.ReloadPlugins(ctx).Wait(ctx); err != nil {
		return err
	}
	paths, err := j.InstalledPluginsPaths(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	invalid, err := j.InvalidPluginsPaths(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Plugins reloaded: %d installed, %d invalid\n", len(paths), len(invalid))
	return nil
}

func runPluginAdd(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	if _, err := j.AddPlugin(ctx, args[0]).Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Installed plugin from %s\n", args[0])
	return nil
}

func runPluginRemove(ctx context.Context, j *jobs.Jobs, out io.Writer, args []string) error {
	info, err := j.InstalledPluginsInfo(ctx, args[0]).Wait(ctx)
	if err != nil {
		return err
	}
	if info == nil {
		if bad, err := j.InvalidPluginsInfo(ctx, args[0]).Wait(ctx); err != nil || bad == nil {
			return fmt.Errorf("no plugin at %s", args[0])
		}
	}
	if _, err := j.RemovePlugin(ctx, args[0]).Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed plugin %s\n", args[0])
	return nil
}
