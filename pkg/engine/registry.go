package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/logdeck/internal/observability"
)

// ConnState is the lifecycle state of an engine connection.
type ConnState string

const (
	StateAuthenticating ConnState = "authenticating"
	StateReady          ConnState = "ready"
	StateClosed         ConnState = "closed"
)

// Connection is one client connected to the engine.
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	writeMu sync.Mutex

	mu            sync.Mutex
	state         ConnState
	challenge     string
	authAttempts  int
	lastActivity  time.Time
	sessions      map[string]struct{}
	authenticated bool
}

func newConnection(id string, conn *websocket.Conn, remoteAddr string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Conn:         conn,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		state:        StateAuthenticating,
		lastActivity: now,
		sessions:     make(map[string]struct{}),
	}
}

// WriteJSON serializes writes to the socket.
func (c *Connection) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// Authenticated reports whether the handshake succeeded.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// State returns the connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// bindSession records that session sent work on this connection and reports
// whether it is new.
func (c *Connection) bindSession(session string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[session]; ok {
		return false
	}
	c.sessions[session] = struct{}{}
	return true
}

// Sessions lists the sessions seen on this connection.
func (c *Connection) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConnectionInfo is a snapshot of a connection for diagnostics.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	RemoteAddr    string    `json:"remoteAddr"`
	Sessions      int       `json:"sessions"`
	Idle          bool      `json:"idle"`
}

// ConnectionRegistry tracks live connections.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	n := len(r.conns)
	r.mu.Unlock()
	observability.SetEngineConnections(n)
}

func (r *ConnectionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	observability.SetEngineConnections(n)
}

func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// GetAll returns every connection.
func (r *ConnectionRegistry) GetAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot describes every connection. Connections quiet for longer than
// idleAfter are flagged idle.
func (r *ConnectionRegistry) Snapshot(idleAfter time.Duration) []ConnectionInfo {
	conns := r.GetAll()
	now := time.Now()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{
			ID:            c.ID,
			Authenticated: c.authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.lastActivity,
			RemoteAddr:    c.RemoteAddr,
			Sessions:      len(c.sessions),
			Idle:          now.Sub(c.lastActivity) > idleAfter,
		})
		c.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
