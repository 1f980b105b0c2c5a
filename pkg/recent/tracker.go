// Package recent remembers the rows a session has most recently received so
// that cursor and selection code can resolve a position without a round trip.
package recent

import (
	"fmt"
	"sync"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/stream"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMaxSessions = 64
	DefaultMaxPackets  = 8
)

// Config bounds the tracker.
type Config struct {
	MaxSessions int `json:"max_sessions" mapstructure:"max_sessions"`
	MaxPackets  int `json:"max_packets" mapstructure:"max_packets"`
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MaxSessions: DefaultMaxSessions,
		MaxPackets:  DefaultMaxPackets,
	}
}

// Tracker is a bounded, least-recently-used store of row packets per
// session. Evictions only cost a refetch.
type Tracker struct {
	mu         sync.Mutex
	sessions   *lru.Cache[string, *lru.Cache[stream.Range, stream.RowsPacket]]
	maxPackets int
}

// New creates a tracker. Non-positive bounds fall back to the defaults.
func New(cfg Config) (*Tracker, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = DefaultMaxPackets
	}

	sessions, err := lru.New[string, *lru.Cache[stream.Range, stream.RowsPacket]](cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("create recent session cache: %w", err)
	}

	return &Tracker{
		sessions:   sessions,
		maxPackets: cfg.MaxPackets,
	}, nil
}

// Record stores packet as the most recent one for sessionKey.
func (t *Tracker) Record(sessionKey string, packet stream.RowsPacket) {
	if packet.Empty() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	packets, ok := t.sessions.Get(sessionKey)
	if !ok {
		// size is validated in New
		packets, _ = lru.New[stream.Range, stream.RowsPacket](t.maxPackets)
		t.sessions.Add(sessionKey, packets)
	}
	packets.Add(packet.Range, packet)
}

// Last returns the most recently recorded packet for sessionKey.
func (t *Tracker) Last(sessionKey string) (stream.RowsPacket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	packets, ok := t.sessions.Peek(sessionKey)
	if !ok {
		return stream.RowsPacket{}, false
	}
	keys := packets.Keys()
	if len(keys) == 0 {
		return stream.RowsPacket{}, false
	}
	return packets.Peek(keys[len(keys)-1])
}

// Lookup finds the row at position in the packets recorded for sessionKey,
// newest first.
func (t *Tracker) Lookup(sessionKey string, position uint64) (stream.Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	packets, ok := t.sessions.Peek(sessionKey)
	if !ok {
		observability.RecordRecentLookup(false)
		return stream.Row{}, false
	}

	keys := packets.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if !keys[i].Has(position) {
			continue
		}
		packet, ok := packets.Peek(keys[i])
		if !ok {
			continue
		}
		if row, ok := packet.Row(position); ok {
			observability.RecordRecentLookup(true)
			return row, true
		}
	}

	observability.RecordRecentLookup(false)
	return stream.Row{}, false
}

// Forget drops everything recorded for sessionKey.
func (t *Tracker) Forget(sessionKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions.Remove(sessionKey)
}

// Sessions returns the number of sessions currently tracked.
func (t *Tracker) Sessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions.Len()
}
