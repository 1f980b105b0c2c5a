// Package window keeps the rows around a viewport in memory and fetches
// missing rows from the engine on demand.
package window

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMargin     uint64  = 50
	DefaultItemHeight float64 = 16
)

// Source is where the cache gets rows from. *stream.Stream implements it.
type Source interface {
	Chunk(ctx context.Context, r stream.Range) (stream.RowsPacket, error)
	Len(ctx context.Context) (uint64, error)
}

// Recorder receives every packet the cache hands out.
type Recorder interface {
	Record(sessionKey string, packet stream.RowsPacket)
}

// Config tunes a Cache.
type Config struct {
	Margin     uint64  `json:"margin" mapstructure:"margin"`
	ItemHeight float64 `json:"item_height" mapstructure:"item_height"`
}

// DefaultConfig returns the scroll-area defaults.
func DefaultConfig() Config {
	return Config{
		Margin:     DefaultMargin,
		ItemHeight: DefaultItemHeight,
	}
}

type fetch struct {
	gen    uint64
	span   stream.Range
	done   chan struct{}
	packet stream.RowsPacket
	err    error
}

// Cache holds one contiguous window of rows. Requests covered by the window
// are answered locally; others trigger a single fetch of the requested range
// widened by Margin rows on each side. A request overlapping fetches already
// in flight waits for them and only fetches the rows none of them cover.
type Cache struct {
	sessionKey string
	source     Source
	recorder   Recorder
	logger     zerolog.Logger

	mu         sync.Mutex
	margin     uint64
	itemHeight float64
	total      uint64
	visible    stream.Range
	frame      stream.Range
	rows       stream.RowsPacket
	installed  uint64
	nextGen    uint64
	inflight   []*fetch
}

// New creates a cache reading from source. recorder may be nil.
func New(sessionKey string, source Source, recorder Recorder, cfg Config) *Cache {
	if cfg.ItemHeight <= 0 || math.IsNaN(cfg.ItemHeight) || math.IsInf(cfg.ItemHeight, 0) {
		cfg.ItemHeight = DefaultItemHeight
	}

	return &Cache{
		sessionKey: sessionKey,
		source:     source,
		recorder:   recorder,
		logger:     log.Logger.With().Str("component", "window-cache").Str("sessionKey", sessionKey).Logger(),
		margin:     cfg.Margin,
		itemHeight: cfg.ItemHeight,
	}
}

// Ensure returns the rows of r, fetching them if the window does not hold
// them. The packet's range is always r; positions past the end of the
// stream have no rows. On failure the current window is left untouched.
//
// A range reaching past the known length refreshes the length first.
func (c *Cache) Ensure(ctx context.Context, r stream.Range) (stream.RowsPacket, error) {
	if err := r.Validate(); err != nil {
		observability.RecordWindowRequest("invalid")
		return stream.RowsPacket{}, err
	}

	want, ok, err := c.bound(ctx, r)
	if err != nil {
		observability.RecordWindowRequest("error")
		return stream.RowsPacket{}, err
	}
	if !ok {
		observability.RecordWindowRequest("past_end")
		return stream.RowsPacket{Range: r}, nil
	}

	for {
		c.mu.Lock()

		if packet, ok := c.rows.Slice(want); ok {
			c.visible = r
			c.mu.Unlock()
			observability.RecordWindowRequest("hit")
			packet.Range = r
			return packet, nil
		}

		overlapping := c.overlapping(want)
		if len(overlapping) == 0 {
			f := c.startFetch(want.Extend(c.margin, c.total))
			c.mu.Unlock()

			observability.RecordWindowRequest("miss")
			return c.runFetch(ctx, f, r)
		}

		gaps := c.startGaps(want, overlapping)
		c.mu.Unlock()
		observability.RecordWindowRequest("coalesced")

		packet, err := c.join(ctx, overlapping, gaps, r)
		if err != nil {
			// a fetch we joined was given up by its caller; try again with our context
			if errors.Is(err, errRetry) {
				continue
			}
			return stream.RowsPacket{}, err
		}
		return packet, nil
	}
}

var errRetry = errors.New("joined fetch abandoned")

// bound clips r to the stream length. ok is false when r starts past the
// end. The cached length is only trusted after a refresh.
func (c *Cache) bound(ctx context.Context, r stream.Range) (stream.Range, bool, error) {
	c.mu.Lock()
	total := c.total
	c.mu.Unlock()

	if total == 0 {
		// length unknown, the engine decides
		return r, true, nil
	}
	if r.To >= total {
		n, err := c.RefreshLength(ctx)
		if err != nil {
			return stream.Range{}, false, err
		}
		total = n
	}
	if r.From >= total {
		return stream.Range{}, false, nil
	}
	if r.To >= total {
		r.To = total - 1
	}
	return r, true, nil
}

// overlapping returns the in-flight fetches intersecting r, ordered by start.
func (c *Cache) overlapping(r stream.Range) []*fetch {
	var found []*fetch
	for _, f := range c.inflight {
		if f.span.From <= r.To && f.span.To >= r.From {
			found = append(found, f)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].span.From < found[j].span.From })
	return found
}

func (c *Cache) startFetch(span stream.Range) *fetch {
	c.nextGen++
	f := &fetch{
		gen:  c.nextGen,
		span: span,
		done: make(chan struct{}),
	}
	c.inflight = append(c.inflight, f)
	return f
}

// startGaps registers fetches for the parts of want that no fetch in
// overlapping covers. Each gap is widened by the margin without reaching
// into any span already in flight.
func (c *Cache) startGaps(want stream.Range, overlapping []*fetch) []*fetch {
	spans := make([]stream.Range, len(overlapping))
	for i, f := range overlapping {
		spans[i] = f.span
	}

	var gaps []*fetch
	for _, gap := range missing(want, spans) {
		span := gap.Extend(c.margin, c.total)
		for _, f := range c.inflight {
			if f.span.To < gap.From && f.span.To >= span.From {
				span.From = f.span.To + 1
			}
			if f.span.From > gap.To && f.span.From <= span.To {
				span.To = f.span.From - 1
			}
		}
		gaps = append(gaps, c.startFetch(span))
	}
	return gaps
}

// missing returns the parts of want outside spans. spans must be sorted by
// start and each must intersect want.
func missing(want stream.Range, spans []stream.Range) []stream.Range {
	var gaps []stream.Range
	next := want.From
	for _, s := range spans {
		if s.To < next {
			continue
		}
		if s.From > next {
			gaps = append(gaps, stream.Range{From: next, To: s.From - 1})
		}
		if s.To >= want.To {
			return gaps
		}
		next = s.To + 1
	}
	return append(gaps, stream.Range{From: next, To: want.To})
}

// execute runs f against the source. The caller publishes the result.
func (c *Cache) execute(ctx context.Context, f *fetch) (stream.RowsPacket, error) {
	started := time.Now()
	packet, err := c.source.Chunk(ctx, f.span)
	if err == nil {
		packet, err = normalize(packet, f.span)
	}
	if err != nil {
		observability.RecordWindowRequest("error")
		c.logger.Warn().
			Err(err).
			Str("span", f.span.String()).
			Msg("Failed to fetch rows, keeping previous window")
		return stream.RowsPacket{}, err
	}

	observability.RecordWindowFetch(time.Since(started), len(packet.Rows))
	c.logger.Debug().
		Str("span", f.span.String()).
		Int("rows", len(packet.Rows)).
		Msg("Window refilled")
	return packet, nil
}

// publish hands a fetch result to the callers waiting on it. The fetch must
// already be out of the in-flight list.
func publish(f *fetch, packet stream.RowsPacket, err error) {
	f.packet, f.err = packet, err
	close(f.done)
}

func (c *Cache) runFetch(ctx context.Context, f *fetch, requested stream.Range) (stream.RowsPacket, error) {
	packet, err := c.execute(ctx, f)

	c.mu.Lock()
	c.removeFetch(f)
	if err == nil {
		c.installLocked(packet, requested, f.gen)
	}
	c.mu.Unlock()
	publish(f, packet, err)

	if err != nil {
		return stream.RowsPacket{}, err
	}
	return c.answer(packet, requested), nil
}

// join runs the gap fetches, waits for the fetches in overlapping and
// assembles the rows of requested from all of them. The gaps stay in flight
// until the merged window is installed.
func (c *Cache) join(ctx context.Context, overlapping, gaps []*fetch, requested stream.Range) (stream.RowsPacket, error) {
	packets := make([]stream.RowsPacket, len(gaps))
	errs := make([]error, len(gaps))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range gaps {
		g.Go(func() error {
			packets[i], errs[i] = c.execute(gctx, f)
			return errs[i]
		})
	}
	err := g.Wait()
	if err == nil {
		err = await(ctx, overlapping)
	}

	var merged stream.RowsPacket
	if err == nil {
		parts := append([]stream.RowsPacket(nil), packets...)
		for _, f := range overlapping {
			parts = append(parts, f.packet)
		}
		merged = merge(parts)
	}

	c.mu.Lock()
	for _, f := range gaps {
		c.removeFetch(f)
	}
	if err == nil && len(gaps) > 0 {
		c.installLocked(merged, requested, gaps[len(gaps)-1].gen)
	}
	c.mu.Unlock()
	for i, f := range gaps {
		publish(f, packets[i], errs[i])
	}

	if err != nil {
		return stream.RowsPacket{}, err
	}
	return c.answer(merged, requested), nil
}

// await waits for every fetch in fetches to finish. It returns errRetry when
// one was given up by its own caller while ctx is still live.
func await(ctx context.Context, fetches []*fetch) error {
	for _, f := range fetches {
		select {
		case <-f.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.err != nil {
			if isAbandoned(f.err) && ctx.Err() == nil {
				return errRetry
			}
			return f.err
		}
	}
	return nil
}

// merge combines contiguous packets into one run ordered by position,
// dropping rows already taken from an earlier packet.
func merge(parts []stream.RowsPacket) stream.RowsPacket {
	parts = slices.DeleteFunc(parts, stream.RowsPacket.Empty)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Range.From < parts[j].Range.From })

	var (
		merged stream.RowsPacket
		next   uint64
	)
	for _, p := range parts {
		for _, row := range p.Rows {
			if len(merged.Rows) > 0 && row.Position < next {
				continue
			}
			merged.Rows = append(merged.Rows, row)
			next = row.Position + 1
		}
	}
	if !merged.Empty() {
		merged.Range = stream.Range{From: merged.Rows[0].Position, To: next - 1}
	}
	return merged
}

// installLocked replaces the window with packet unless a newer fetch
// already did. Packets with holes are not installed.
func (c *Cache) installLocked(packet stream.RowsPacket, requested stream.Range, gen uint64) {
	if !packet.Empty() && packet.Range.Len() != uint64(len(packet.Rows)) {
		return
	}
	if gen > c.installed {
		c.rows = packet
		c.visible = requested
		c.installed = gen
	}
}

// answer cuts requested out of packet and hands it to the recorder.
func (c *Cache) answer(packet stream.RowsPacket, requested stream.Range) stream.RowsPacket {
	result := clip(packet, requested)
	if c.recorder != nil && !result.Empty() {
		c.recorder.Record(c.sessionKey, result)
	}
	return result
}

func (c *Cache) removeFetch(f *fetch) {
	for i, other := range c.inflight {
		if other == f {
			c.inflight = append(c.inflight[:i], c.inflight[i+1:]...)
			return
		}
	}
}

// normalize checks that packet is a contiguous run inside span and narrows
// its range to the rows actually delivered.
func normalize(packet stream.RowsPacket, span stream.Range) (stream.RowsPacket, error) {
	if packet.Empty() {
		return stream.RowsPacket{Range: span}, nil
	}

	first := packet.Rows[0].Position
	for i, row := range packet.Rows {
		if row.Position != first+uint64(i) {
			return stream.RowsPacket{}, fmt.Errorf("engine returned non-contiguous rows at position %d", row.Position)
		}
	}
	last := packet.Rows[len(packet.Rows)-1].Position
	if first < span.From || last > span.To {
		return stream.RowsPacket{}, fmt.Errorf("engine returned rows %d..%d outside requested %s", first, last, span)
	}

	packet.Range = stream.Range{From: first, To: last}
	return packet, nil
}

// clip returns the part of packet inside r, tagged with r.
func clip(packet stream.RowsPacket, r stream.Range) stream.RowsPacket {
	if sub, ok := packet.Slice(r); ok {
		return sub
	}

	rows := make([]stream.Row, 0, len(packet.Rows))
	for _, row := range packet.Rows {
		if r.Has(row.Position) {
			rows = append(rows, row)
		}
	}
	return stream.RowsPacket{Rows: rows, Range: r}
}

func isAbandoned(err error) bool {
	return errors.Is(err, operation.ErrAbandoned) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// SetFrame moves the cursor frame to r and refills the window in the
// background. Failures are logged and leave the previous rows in place.
func (c *Cache) SetFrame(ctx context.Context, r stream.Range) {
	go func() {
		if _, err := c.Ensure(ctx, r); err != nil {
			c.logger.Warn().Err(err).Str("frame", r.String()).Msg("Failed to get chunk for frame")
			return
		}
		c.mu.Lock()
		c.frame = r
		c.mu.Unlock()
	}()
}

// Frame returns the last frame applied by SetFrame.
func (c *Cache) Frame() stream.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// TotalLength returns the known number of rows in the stream.
func (c *Cache) TotalLength() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// SetTotalLength records a length learned elsewhere, e.g. from a stream
// update notification. Rows past the new end are dropped from the window.
func (c *Cache) SetTotalLength(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTotalLocked(n)
}

func (c *Cache) setTotalLocked(n uint64) {
	c.total = n
	if !c.rows.Empty() && c.rows.Range.To >= n {
		c.rows = stream.RowsPacket{}
	}
}

// RefreshLength asks the source for the current length.
func (c *Cache) RefreshLength(ctx context.Context) (uint64, error) {
	n, err := c.source.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh length: %w", err)
	}
	c.SetTotalLength(n)
	return n, nil
}

// ItemHeight returns the row height hint for the renderer.
func (c *Cache) ItemHeight() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemHeight
}

// SetItemHeight stores a row height hint. It must be positive and finite.
func (c *Cache) SetItemHeight(h float64) error {
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return &operation.ValidationError{Field: "itemHeight", Reason: "must be a positive number"}
	}
	c.mu.Lock()
	c.itemHeight = h
	c.mu.Unlock()
	return nil
}

// Margin returns the number of extra rows fetched on each side.
func (c *Cache) Margin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.margin
}

// SetMargin changes the number of extra rows fetched on each side. It
// applies to fetches started afterwards.
func (c *Cache) SetMargin(m uint64) {
	c.mu.Lock()
	c.margin = m
	c.mu.Unlock()
}

// Visible returns the range most recently returned by Ensure.
func (c *Cache) Visible() stream.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// Cached returns the whole window currently held.
func (c *Cache) Cached() stream.RowsPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Invalidate drops the window so the next Ensure refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.rows = stream.RowsPacket{}
	c.mu.Unlock()
}

// SessionKey returns the owning session.
func (c *Cache) SessionKey() string {
	return c.sessionKey
}
