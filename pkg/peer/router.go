package peer

import (
	"sync"

	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/protocol"
	"github.com/rs/zerolog"
)

// Router delivers engine events to the registry of the session they belong to.
type Router struct {
	mu         sync.RWMutex
	registries map[string]*operation.Registry
	logger     zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		registries: make(map[string]*operation.Registry),
		logger:     logger.With().Str("component", "peer-router").Logger(),
	}
}

// Add routes events for the registry's session to it. It reports false if
// the session is already routed.
func (r *Router) Add(registry *operation.Registry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registry.SessionKey()
	if _, exists := r.registries[key]; exists {
		return false
	}
	r.registries[key] = registry
	return true
}

// Remove stops routing events for sessionKey.
func (r *Router) Remove(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.registries, sessionKey)
}

// Get returns the registry routed for sessionKey.
func (r *Router) Get(sessionKey string) (*operation.Registry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registry, exists := r.registries[sessionKey]
	return registry, exists
}

// Count returns the number of routed sessions.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.registries)
}

// Dispatch hands ev to its session's registry. Frames for unknown sessions
// or with malformed ids are logged and dropped.
func (r *Router) Dispatch(ev protocol.Event) bool {
	registry, exists := r.Get(ev.Session)
	if !exists {
		r.logger.Debug().
			Str("sessionKey", ev.Session).
			Str("id", ev.ID).
			Str("event", ev.Event).
			Msg("Dropping event for unknown session")
		return false
	}

	seq, err := protocol.ParseID(ev.ID)
	if err != nil {
		if ev.Error != nil {
			r.logger.Warn().
				Str("sessionKey", ev.Session).
				Int("code", ev.Error.Code).
				Str("message", ev.Error.Message).
				Msg("Engine rejected a frame")
		} else {
			r.logger.Debug().Err(err).Str("sessionKey", ev.Session).Msg("Dropping event with malformed id")
		}
		return false
	}

	return registry.OnPeerEvent(operation.SequenceID(seq), toOperationEvent(ev))
}

// FailAll rejects every pending operation of every routed session with err.
func (r *Router) FailAll(err error) int {
	r.mu.RLock()
	registries := make([]*operation.Registry, 0, len(r.registries))
	for _, registry := range r.registries {
		registries = append(registries, registry)
	}
	r.mu.RUnlock()

	failed := 0
	for _, registry := range registries {
		failed += registry.FailAll(err)
	}
	return failed
}

func toOperationEvent(ev protocol.Event) operation.Event {
	switch ev.Event {
	case protocol.EventDone:
		return operation.CompletedEvent(ev.Payload)
	case protocol.EventCancelled:
		return operation.CancelledEvent()
	case protocol.EventFailed:
		return operation.FailedEvent(toPeerError(ev.Error))
	default:
		return operation.FailedEvent(&operation.PeerError{
			Code:    operation.PeerErrEngineFailure,
			Message: "unexpected event " + ev.Event,
		})
	}
}

func toPeerError(e *protocol.Error) error {
	if e == nil {
		return &operation.PeerError{Code: operation.PeerErrEngineFailure, Message: "engine reported failure without details"}
	}

	code := operation.PeerErrEngineFailure
	switch e.Code {
	case protocol.MethodNotFound:
		code = operation.PeerErrUnknownMethod
	case protocol.InvalidParams:
		code = operation.PeerErrInvalidParams
	}
	return &operation.PeerError{Code: code, Message: e.Message, Err: e}
}
