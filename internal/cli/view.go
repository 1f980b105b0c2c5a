package cli

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/harun/logdeck/pkg/peer"
	"github.com/harun/logdeck/pkg/session"
	"github.com/harun/logdeck/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	rowsFrom  uint64
	rowsCount uint64

	valuesFilters []string
	valuesPoints  uint16
	valuesFrom    float64
	valuesTo      float64
)

var rowsCmd = &cobra.Command{
	Use:   "rows <session>",
	Short: "Print rows of a session through the engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runRows,
}

var valuesCmd = &cobra.Command{
	Use:   "values <session>",
	Short: "Print downsampled numeric series extracted by regex filters",
	Long: `Print numeric series extracted from a session's rows. Each --filter is a
regular expression; its first capture group (or whole match) is parsed as a
number. Series are downsampled to at most --points buckets.`,
	Args: cobra.ExactArgs(1),
	RunE: runValues,
}

func init() {
	rowsCmd.Flags().Uint64Var(&rowsFrom, "from", 0, "first position")
	rowsCmd.Flags().Uint64Var(&rowsCount, "count", 20, "number of rows")

	valuesCmd.Flags().StringArrayVar(&valuesFilters, "filter", nil, "regex filter (repeatable)")
	valuesCmd.Flags().Uint16Var(&valuesPoints, "points", 20, "maximum points per series")
	valuesCmd.Flags().Float64Var(&valuesFrom, "from", math.NaN(), "first position of the window")
	valuesCmd.Flags().Float64Var(&valuesTo, "to", math.NaN(), "last position of the window")

	rootCmd.AddCommand(rowsCmd, valuesCmd)
}

// viewer is a connected client session.
type viewer struct {
	rt      *runtime
	client  *peer.Client
	manager *session.Manager
	session *session.Session
}

func (v *viewer) Close() {
	v.manager.CloseAll()
	_ = v.client.Close()
	v.rt.Close()
}

func connect(ctx context.Context, key string) (*viewer, error) {
	rt, err := setup(false)
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg
	if err := cfg.ValidateClient(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dialCtx := ctx
	if cfg.Client.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.Client.DialTimeout)
		defer cancel()
	}

	client, err := peer.Dial(dialCtx, peer.Config{
		URL:          cfg.Client.URL,
		SharedSecret: cfg.Client.SharedSecret,
		Logger:       rt.log.Component("peer"),
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to connect to engine: %w", err)
	}

	manager, err := session.New(session.PeerTransport(client), cfg.Session.Sessions())
	if err != nil {
		_ = client.Close()
		rt.Close()
		return nil, err
	}

	s, err := manager.Open(ctx, key)
	if err != nil {
		_ = client.Close()
		rt.Close()
		return nil, err
	}

	return &viewer{rt: rt, client: client, manager: manager, session: s}, nil
}

func runRows(cmd *cobra.Command, args []string) error {
	if rowsCount == 0 {
		return fmt.Errorf("count must be positive")
	}
	ctx := contextOf(cmd)

	v, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer v.Close()

	r := stream.Range{From: rowsFrom, To: rowsFrom + rowsCount - 1}
	packet, err := v.session.Rows(ctx, r)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, row := range packet.Rows {
		fmt.Fprintf(out, "%d\t%s\n", row.Position, row.Content)
	}
	total := v.session.ScrollArea(ctx).TotalLength()
	fmt.Fprintf(out, "-- %s of %s rows\n", humanize.Comma(int64(len(packet.Rows))), humanize.Comma(int64(total)))
	return nil
}

func runValues(cmd *cobra.Command, args []string) error {
	params := stream.ValuesParams{
		DatasetLength: valuesPoints,
		Filters:       valuesFilters,
	}
	if !math.IsNaN(valuesFrom) || !math.IsNaN(valuesTo) {
		from, to := valuesFrom, valuesTo
		params.From, params.To = &from, &to
	}
	// local validation before dialing
	if err := params.Validate(); err != nil {
		return err
	}

	ctx := contextOf(cmd)
	v, err := connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer v.Close()

	values, err := v.session.Values(ctx, params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(values) == 0 {
		fmt.Fprintln(out, "No values matched")
		return nil
	}

	indexes := make([]int, 0, len(values))
	for idx := range values {
		indexes = append(indexes, int(idx))
	}
	sort.Ints(indexes)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, idx := range indexes {
		label := strconv.Itoa(idx)
		if idx < len(valuesFilters) {
			label = valuesFilters[idx]
		}
		fmt.Fprintf(w, "# %s\n", label)
		fmt.Fprintln(w, "POSITION\tMIN\tMAX\tVALUE")
		for _, p := range values[uint8(idx)] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				humanize.Comma(int64(p.Position)), formatFloat(p.Min), formatFloat(p.Max), formatFloat(p.Value))
		}
	}
	return w.Flush()
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
