package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/harun/logdeck/pkg/engine"
	"github.com/harun/logdeck/pkg/session"
	"github.com/spf13/cobra"
)

const maxLineBytes = 4 << 20

var (
	ingestSource uint16
	ingestBatch  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <session> <file>...",
	Short: "Append log files to a session's stream",
	Long: `Append every line of the given files to a session's stream in the
engine store. Use "-" to read standard input.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runIngest,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var dropCmd = &cobra.Command{
	Use:   "drop <session>",
	Short: "Delete a session's stored rows",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrop,
}

func init() {
	ingestCmd.Flags().Uint16Var(&ingestSource, "source", 0, "source id tagged on every row")
	ingestCmd.Flags().IntVar(&ingestBatch, "batch", 5000, "rows per store transaction")
	rootCmd.AddCommand(ingestCmd, sessionsCmd, dropCmd)
}

func openStore() (*runtime, *engine.Store, error) {
	rt, err := setup(false)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(rt.cfg.DataDir, 0o700); err != nil {
		rt.Close()
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := engine.OpenStore(rt.cfg.Engine.StorePath, rt.log.Component("store"))
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return rt, store, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := session.ValidateKey(key); err != nil {
		return err
	}
	if ingestBatch <= 0 {
		return fmt.Errorf("batch must be positive")
	}

	rt, store, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer store.Close()

	ctx := contextOf(cmd)
	var total uint64
	for _, path := range args[1:] {
		var r io.Reader
		if path == "-" {
			r = cmd.InOrStdin()
		} else {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			r = f
			defer f.Close()
		}

		n, err := ingestLines(r, ingestBatch, func(lines []string) error {
			_, err := store.Append(ctx, key, ingestSource, lines)
			return err
		})
		total += n
		if err != nil {
			return fmt.Errorf("failed to ingest %s after %s rows: %w", path, humanize.Comma(int64(n)), err)
		}
		rt.log.Info().Str("file", path).Uint64("rows", n).Msg("File ingested")
	}

	length, err := store.Len(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Appended %s rows to %s (%s total)\n",
		humanize.Comma(int64(total)), key, humanize.Comma(int64(length)))
	return nil
}

// ingestLines feeds r to flush in batches of at most batch lines.
func ingestLines(r io.Reader, batch int, flush func([]string) error) (uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var n uint64
	lines := make([]string, 0, batch)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) == batch {
			if err := flush(lines); err != nil {
				return n, err
			}
			n += uint64(len(lines))
			lines = lines[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	if len(lines) > 0 {
		if err := flush(lines); err != nil {
			return n, err
		}
		n += uint64(len(lines))
	}
	return n, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	rt, store, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer store.Close()

	ctx := contextOf(cmd)
	keys, err := store.Sessions(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tROWS")
	for _, key := range keys {
		n, err := store.Len(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", key, humanize.Comma(int64(n)))
	}
	return w.Flush()
}

func runDrop(cmd *cobra.Command, args []string) error {
	rt, store, err := openStore()
	if err != nil {
		return err
	}
	defer rt.Close()
	defer store.Close()

	n, err := store.Delete(contextOf(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s rows from %s\n", humanize.Comma(n), args[0])
	return nil
}
