// Package engine is the process that owns log rows and runs jobs on behalf of
// connected sessions. Clients connect over a WebSocket, authenticate with a
// shared secret and send requests tagged with a session key and sequence id.
// Every request ends with exactly one done, cancelled or failed event.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/commandqueue"
	"github.com/harun/logdeck/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultLaneConcurrency = 4
	defaultShutdownTimeout = 30 * time.Second
	idleConnectionAfter    = 5 * time.Minute
)

// Config holds engine configuration.
type Config struct {
	// Addr is the listen address, for example ":7400". Port 0 picks a free port.
	Addr         string
	SharedSecret string
	Store        *Store
	Plugins      *PluginManager
	// FS backs the file jobs. Defaults to the OS filesystem.
	FS afero.Fs
	// Concurrency is the number of jobs a session may run at once.
	Concurrency     int
	ShutdownTimeout time.Duration
	Spawn           ProcessStarter
	Environ         func() []string
	Logger          zerolog.Logger
}

// Server is the engine WebSocket server.
type Server struct {
	addr            string
	auth            *protocol.Authenticator
	conns           *ConnectionRegistry
	methods         *Methods
	queue           *commandqueue.CommandQueue
	store           *Store
	plugins         *PluginManager
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	server          *http.Server
	listener        net.Listener
	logger          zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates an engine server with every built-in method registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("row store is required")
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Plugins == nil {
		return nil, fmt.Errorf("plugin manager is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultLaneConcurrency
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Spawn == nil {
		cfg.Spawn = startProcess
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}

	logger := cfg.Logger.With().Str("component", "engine").Logger()
	s := &Server{
		addr:            cfg.Addr,
		auth:            protocol.NewAuthenticator(cfg.SharedSecret),
		conns:           NewConnectionRegistry(),
		methods:         NewMethods(),
		queue:           commandqueue.New(commandqueue.Options{Concurrency: cfg.Concurrency, WarnAfter: 5 * time.Second}),
		store:           cfg.Store,
		plugins:         cfg.Plugins,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	streams := &streamService{store: cfg.Store}
	if err := streams.register(s.methods); err != nil {
		return nil, err
	}
	js := &jobService{
		fs:      cfg.FS,
		plugins: cfg.Plugins,
		spawn:   cfg.Spawn,
		environ: cfg.Environ,
		logger:  logger,
	}
	if err := js.register(s.methods); err != nil {
		return nil, err
	}

	return s, nil
}

// Methods exposes the method table so callers can register extra handlers.
func (s *Server) Methods() *Methods {
	return s.methods
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionRegistry {
	return s.conns
}

// Handler returns the HTTP handler serving /ws, /metrics and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"connections": s.conns.Snapshot(idleConnectionAfter),
			"methods":     len(s.methods.Names()),
		})
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting engine")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Engine server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, waits for in-flight jobs and closes every
// connection.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down engine")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight jobs completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, cancelling jobs")
	}

	_ = s.queue.Close()
	for _, conn := range s.conns.GetAll() {
		conn.Conn.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Engine stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Engine is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	conn := newConnection(connID, ws, r.RemoteAddr)
	s.conns.Add(conn)

	s.logger.Info().
		Str("connectionId", connID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(conn); err != nil {
		s.logger.Error().Err(err).Str("connectionId", connID).Msg("Failed to send auth challenge")
		ws.Close()
		s.conns.Remove(connID)
		return
	}

	go s.handleConnection(conn)
}

func (s *Server) sendAuthChallenge(conn *Connection) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	conn.mu.Lock()
	conn.challenge = challenge
	conn.mu.Unlock()

	return conn.WriteJSON(protocol.AuthChallenge{
		Event:     protocol.EventAuthChallenge,
		Challenge: challenge,
	})
}

func (s *Server) handleConnection(conn *Connection) {
	defer func() {
		conn.setState(StateClosed)
		conn.Conn.Close()
		dropped := 0
		for _, session := range conn.Sessions() {
			dropped += s.queue.DropLane(laneFor(conn.ID, session))
		}
		s.conns.Remove(conn.ID)
		s.logger.Info().
			Str("connectionId", conn.ID).
			Int("droppedJobs", dropped).
			Msg("Client disconnected")
	}()

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("WebSocket error")
			}
			return
		}

		conn.touch()
		if !s.handleMessage(conn, message) {
			return
		}
	}
}

// handleMessage processes one frame and reports whether the connection
// should stay open.
func (s *Server) handleMessage(conn *Connection, message []byte) bool {
	var authResp protocol.AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == protocol.MethodAuthResponse {
		return s.handleAuthMessage(conn, authResp)
	}

	if !conn.Authenticated() {
		s.sendError(conn, "", "", &protocol.Error{Code: protocol.AuthenticationRequired, Message: "Authentication required"})
		return true
	}

	req, err := protocol.ParseRequest(message)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = &protocol.Error{Code: protocol.ParseError, Message: err.Error()}
		}
		s.sendError(conn, req.ID, req.Session, perr)
		return true
	}

	if req.Method == protocol.MethodCancel {
		s.handleCancel(conn, req)
		return true
	}
	s.dispatch(conn, req)
	return true
}

func (s *Server) handleAuthMessage(conn *Connection, resp protocol.AuthResponse) bool {
	conn.mu.Lock()
	if conn.authenticated {
		conn.mu.Unlock()
		return true
	}
	ok := s.auth.Verify(conn.challenge, resp.Signature)
	if ok {
		conn.authenticated = true
		conn.state = StateReady
		conn.challenge = ""
	} else {
		conn.authAttempts++
	}
	attempts := conn.authAttempts
	conn.mu.Unlock()

	ctx := tracing.WithConnectionID(context.Background(), conn.ID)
	result := protocol.AuthResult{Event: protocol.EventAuthSuccess, Success: true}
	if !ok {
		result = protocol.AuthResult{Event: protocol.EventAuthFailure, Message: "Invalid signature"}
	}
	if err := conn.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("connectionId", conn.ID).Msg("Failed to send auth result")
		return false
	}

	if ok {
		observability.RecordSecurityAudit(ctx, "auth", conn.ID, "success", map[string]interface{}{"ip": conn.RemoteAddr})
		s.logger.Info().Str("connectionId", conn.ID).Msg("Client authenticated")
		return true
	}

	observability.RecordSecurityAudit(ctx, "auth", conn.ID, "failed", map[string]interface{}{
		"ip":       conn.RemoteAddr,
		"attempts": attempts,
	})
	s.logger.Warn().
		Str("connectionId", conn.ID).
		Int("attempts", attempts).
		Msg("Authentication failed")
	return attempts < protocol.MaxAuthAttempts
}

func laneFor(connID, session string) string {
	return connID + "/" + session
}

func (s *Server) handleCancel(conn *Connection, req protocol.Request) {
	lane := laneFor(conn.ID, req.Session)
	if !s.queue.Cancel(lane, req.ID) {
		s.logger.Debug().
			Str("connectionId", conn.ID).
			Str("sessionKey", req.Session).
			Str("id", req.ID).
			Msg("Cancel for unknown or finished job ignored")
	}
}

func (s *Server) dispatch(conn *Connection, req protocol.Request) {
	handler, ok := s.methods.Lookup(req.Method)
	if !ok {
		s.sendError(conn, req.ID, req.Session, methodNotFound(req.Method))
		return
	}

	seq, _ := protocol.ParseID(req.ID)
	call := &Call{Session: req.Session, Seq: seq, Method: req.Method, params: req.Params}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	ctx = tracing.WithConnectionID(ctx, conn.ID)
	ctx = tracing.WithSessionKey(ctx, req.Session)
	ctx = tracing.WithSequence(ctx, seq)

	lane := laneFor(conn.ID, req.Session)
	if conn.bindSession(req.Session) {
		s.logger.Debug().Str("connectionId", conn.ID).Str("sessionKey", req.Session).Msg("Session seen")
	}

	task := func(taskCtx context.Context) (any, error) {
		spanCtx, span := tracing.StartSpan(taskCtx, "logdeck/engine", "engine."+req.Method,
			attribute.String("session", req.Session),
			attribute.Int64("seq", int64(seq)))
		defer span.End()

		value, err := handler(spanCtx, call)
		if err != nil && taskCtx.Err() != nil {
			return nil, taskCtx.Err()
		}
		if err != nil {
			span.RecordError(err)
		}
		return value, err
	}

	results, err := s.queue.Submit(ctx, lane, req.ID, task)
	if err != nil {
		code := protocol.InternalError
		if errors.Is(err, commandqueue.ErrDuplicateTask) {
			code = protocol.InvalidRequest
		} else if errors.Is(err, commandqueue.ErrClosed) {
			code = protocol.SessionClosed
		}
		s.sendError(conn, req.ID, req.Session, &protocol.Error{Code: code, Message: err.Error()})
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		res := <-results
		s.reply(ctx, conn, req, res)
	}()
}

// reply turns a job result into its terminal event.
func (s *Server) reply(ctx context.Context, conn *Connection, req protocol.Request, res commandqueue.Result) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	if conn.State() == StateClosed {
		logger.Debug().Str("method", req.Method).Msg("Connection gone, result discarded")
		return
	}

	ev := protocol.Event{ID: req.ID, Session: req.Session}
	switch {
	case errors.Is(res.Err, commandqueue.ErrCancelled):
		ev.Event = protocol.EventCancelled

	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		payload, err := codec.Cancelled()
		if err != nil {
			ev.Event = protocol.EventFailed
			ev.Error = internalError(err)
			break
		}
		ev.Event = protocol.EventDone
		ev.Payload = payload

	case res.Err != nil:
		var perr *protocol.Error
		if !errors.As(res.Err, &perr) {
			perr = internalError(res.Err)
		}
		ev.Event = protocol.EventFailed
		ev.Error = perr

	default:
		payload, err := codec.Finished(res.Value)
		if err != nil {
			ev.Event = protocol.EventFailed
			ev.Error = internalError(fmt.Errorf("encode result: %w", err))
			break
		}
		ev.Event = protocol.EventDone
		ev.Payload = payload
	}

	logger.Debug().
		Str("method", req.Method).
		Str("event", ev.Event).
		Dur("duration", res.Duration).
		Msg("Job finished")

	if err := conn.WriteJSON(ev); err != nil {
		logger.Error().Err(err).Str("method", req.Method).Msg("Failed to send job event")
	}
}

func (s *Server) sendError(conn *Connection, id, session string, perr *protocol.Error) {
	ev := protocol.Event{
		ID:      id,
		Session: session,
		Event:   protocol.EventFailed,
		Error:   perr,
	}
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Error().
			Err(err).
			Str("connectionId", conn.ID).
			Msg("Failed to send error event")
	}
}
