package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/harun/logdeck/pkg/binding"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/jobs"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/peer"
	"github.com/harun/logdeck/pkg/recent"
	"github.com/harun/logdeck/pkg/stream"
	"github.com/harun/logdeck/pkg/window"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrManagerClosed is returned by Open after CloseAll.
var ErrManagerClosed = errors.New("session manager closed")

// Channel is one session's link to the engine.
type Channel interface {
	operation.Requester
	Registry() *operation.Registry
	Close()
}

// Transport opens engine channels for sessions.
type Transport interface {
	Open(sessionKey string) (Channel, error)
}

type peerTransport struct {
	client *peer.Client
}

func (t peerTransport) Open(sessionKey string) (Channel, error) {
	return t.client.Open(sessionKey)
}

// PeerTransport opens sessions over an engine connection.
func PeerTransport(client *peer.Client) Transport {
	return peerTransport{client: client}
}

// Config tunes the sessions a Manager opens.
type Config struct {
	Window window.Config `json:"window" mapstructure:"window"`
	Recent recent.Config `json:"recent" mapstructure:"recent"`
}

// Session bundles everything scoped to one session key. Nothing in it is
// shared with other sessions except the recent tracker, which is keyed.
type Session struct {
	key      string
	channel  Channel
	storage  *binding.Storage
	tracker  *recent.Tracker
	windowCf window.Config

	Stream *stream.Stream
	Jobs   *jobs.Jobs

	mu       sync.Mutex
	lastUsed time.Time
	closed   bool
}

// Key returns the session key.
func (s *Session) Key() string {
	return s.key
}

// Registry returns the session's operation registry.
func (s *Session) Registry() *operation.Registry {
	return s.channel.Registry()
}

// Storage returns the session-scoped binding storage.
func (s *Session) Storage() *binding.Storage {
	return s.storage
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed reports when the session last served a request.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ScrollArea attaches the session's window cache, creating it on first use.
func (s *Session) ScrollArea(ctx context.Context) *window.Cache {
	s.touch()
	return binding.Attach(ctx, s.storage, binding.ScrollAreaKey, func() *window.Cache {
		return window.New(s.key, s.Stream, s.tracker, s.windowCf)
	})
}

// DetachScrollArea keeps cache for a later ScrollArea call.
func (s *Session) DetachScrollArea(cache *window.Cache) {
	binding.Detach(s.storage, binding.ScrollAreaKey, cache)
}

// Rows returns the rows of r through the scroll area, attaching it first
// if needed.
func (s *Session) Rows(ctx context.Context, r stream.Range) (stream.RowsPacket, error) {
	cache, ok := binding.Get(s.storage, binding.ScrollAreaKey)
	if !ok || cache == nil {
		cache = s.ScrollArea(ctx)
	}
	s.touch()
	return cache.Ensure(ctx, r)
}

// Values fetches downsampled numeric series.
func (s *Session) Values(ctx context.Context, p stream.ValuesParams) (codec.SearchValues, error) {
	s.touch()
	return s.Stream.Values(ctx, p)
}

// Lookup resolves a position from recently received rows without a request.
func (s *Session) Lookup(position uint64) (stream.Row, bool) {
	return s.tracker.Lookup(s.key, position)
}

// Pending returns the number of operations still waiting for the engine.
func (s *Session) Pending() int {
	return s.channel.Registry().Pending()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.channel.Close()
	s.storage.Clear()
	s.tracker.Forget(s.key)
}

// Manager opens and tracks sessions on one transport.
type Manager struct {
	transport Transport
	tracker   *recent.Tracker
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a manager.
func New(transport Transport, cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	tracker, err := recent.New(cfg.Recent)
	if err != nil {
		return nil, err
	}

	return &Manager{
		transport: transport,
		tracker:   tracker,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
	}, nil
}

// ValidateKey checks that a session key is safe to use as a storage and lane name
func ValidateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.TrimSpace(sessionKey) != sessionKey {
		return fmt.Errorf("session key cannot have surrounding whitespace")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// Open returns the session for sessionKey, binding it to the engine on
// first use.
func (m *Manager) Open(ctx context.Context, sessionKey string) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	_, span := tracing.StartSpan(ctx, "logdeck.session", "session.open",
		attribute.String("session_key", sessionKey))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[sessionKey]; ok {
		s.touch()
		return s, nil
	}

	ch, err := m.transport.Open(sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session %s: %w", sessionKey, err)
	}

	s := &Session{
		key:      sessionKey,
		channel:  ch,
		storage:  binding.NewStorage(),
		tracker:  m.tracker,
		windowCf: m.cfg.Window,
		Stream:   stream.New(ch.Registry(), ch),
		Jobs:     jobs.New(ch.Registry(), ch),
		lastUsed: time.Now(),
	}
	m.sessions[sessionKey] = s
	observability.SetActiveSessions(len(m.sessions))

	logger.Info().Str("sessionKey", sessionKey).Msg("Session opened")
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(sessionKey string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey]
	return s, ok
}

// Keys lists open sessions.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Tracker returns the recent-access tracker shared by the sessions.
func (m *Manager) Tracker() *recent.Tracker {
	return m.tracker
}

// Close cancels the session's pending operations and forgets it.
func (m *Manager) Close(sessionKey string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	if ok {
		delete(m.sessions, sessionKey)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s is not open", sessionKey)
	}

	s.close()
	observability.SetActiveSessions(count)
	log.Info().Str("sessionKey", sessionKey).Msg("Session closed")
	return nil
}

// CloseAll closes every session and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	observability.SetActiveSessions(0)
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("All sessions closed")
	}
}
