// Package peer connects sessions to the engine over a WebSocket. One Client
// carries many sessions; each session gets a Channel that sends its requests
// and cancellations and owns the session's operation registry.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when the engine connection is closed.
	ErrNotConnected = errors.New("engine connection closed")

	// ErrAuthFailed is returned by Dial when the engine rejects the handshake.
	ErrAuthFailed = errors.New("engine authentication failed")

	// ErrSessionBound is returned by Open for a session that already has a channel.
	ErrSessionBound = errors.New("session already bound to this connection")
)

// Config holds client connection settings.
type Config struct {
	URL              string
	SharedSecret     string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           zerolog.Logger
}

// Client is an authenticated connection to the engine.
type Client struct {
	conn         *websocket.Conn
	router       *Router
	logger       zerolog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the engine and completes the challenge-response handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine URL is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial engine %s: %w", cfg.URL, err)
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := handshake(conn, protocol.NewAuthenticator(cfg.SharedSecret), deadline); err != nil {
		conn.Close()
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "peer-client").Str("url", cfg.URL).Logger()
	c := &Client{
		conn:         conn,
		router:       NewRouter(cfg.Logger),
		logger:       logger,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	go c.readLoop()

	logger.Info().Msg("Connected to engine")
	return c, nil
}

func handshake(conn *websocket.Conn, auth *protocol.Authenticator, deadline time.Time) error {
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	var challenge protocol.AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read auth challenge: %w", err)
	}
	if challenge.Event != protocol.EventAuthChallenge || challenge.Challenge == "" {
		return fmt.Errorf("%w: expected challenge, got %q", ErrAuthFailed, challenge.Event)
	}

	resp := protocol.AuthResponse{
		Method:    protocol.MethodAuthResponse,
		Signature: auth.Sign(challenge.Challenge),
	}
	if err := conn.WriteJSON(resp); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}

	var result protocol.AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, result.Message)
	}
	return nil
}

// Router exposes the session router, mainly for diagnostics.
func (c *Client) Router() *Router {
	return c.router
}

// Done is closed once the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, if it has.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Open binds a session to this connection and returns its channel. The
// channel's registry receives every event the engine sends for sessionKey.
func (c *Client) Open(sessionKey string) (*Channel, error) {
	select {
	case <-c.done:
		return nil, ErrNotConnected
	default:
	}

	ch := &Channel{client: c, sessionKey: sessionKey}
	ch.registry = operation.NewRegistry(sessionKey, ch)
	if !c.router.Add(ch.registry) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBound, sessionKey)
	}

	c.logger.Debug().Str("sessionKey", sessionKey).Msg("Session bound")
	return ch, nil
}

// Close shuts the connection down and fails every pending operation.
func (c *Client) Close() error {
	c.writeMu.Lock()
	if !c.closed {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.writeMu.Unlock()

	c.shutdown(ErrNotConnected)
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.shutdown(cause)
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error().Err(err).Msg("Engine connection error")
			}
			cause = err
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Warn().Err(err).Int("size", len(message)).Msg("Dropping malformed engine frame")
			continue
		}
		c.router.Dispatch(ev)
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()

		_ = c.conn.Close()
		if cause == nil {
			cause = ErrNotConnected
		}
		c.closeErr = cause

		failed := c.router.FailAll(&operation.PeerError{
			Code:    operation.PeerErrDisconnected,
			Message: "engine connection lost",
			Err:     cause,
		})
		close(c.done)

		c.logger.Info().Int("failedOperations", failed).Msg("Disconnected from engine")
	})
}

func (c *Client) send(ctx context.Context, req protocol.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", req.Method, err)
	}
	return nil
}

// Channel is one session's view of the connection. It implements
// operation.Requester and operation.Canceler.
type Channel struct {
	client     *Client
	sessionKey string
	registry   *operation.Registry
	closeOnce  sync.Once
}

// SessionKey returns the session this channel serves.
func (ch *Channel) SessionKey() string {
	return ch.sessionKey
}

// Registry returns the session's operation registry.
func (ch *Channel) Registry() *operation.Registry {
	return ch.registry
}

// Request implements operation.Requester.
func (ch *Channel) Request(ctx context.Context, id operation.SequenceID, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := protocol.NewRequest(uint64(id), ch.sessionKey, method, params)
	if err != nil {
		return err
	}

	logger := tracing.LoggerFromContext(tracing.WithSequence(ctx, uint64(id)), ch.client.logger)
	logger.Debug().
		Str("method", method).
		Msg("Sending request")

	return ch.client.send(ctx, req)
}

// Cancel implements operation.Canceler.
func (ch *Channel) Cancel(id operation.SequenceID) error {
	return ch.client.send(context.Background(), protocol.NewCancel(uint64(id), ch.sessionKey))
}

// Close cancels the session's pending operations and unbinds it. Events that
// arrive afterwards are dropped.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.registry.Close()
		ch.client.router.Remove(ch.sessionKey)
	})
}
