package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventKind tags an inbound peer event.
type EventKind int

const (
	EventCompleted EventKind = iota + 1
	EventCancelled
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one terminal notification from the engine.
type Event struct {
	Kind    EventKind
	Payload []byte
	Err     error
}

// CompletedEvent builds a success event carrying a binary payload.
func CompletedEvent(payload []byte) Event {
	return Event{Kind: EventCompleted, Payload: payload}
}

// CancelledEvent builds a cancellation acknowledgment.
func CancelledEvent() Event {
	return Event{Kind: EventCancelled}
}

// FailedEvent builds a failure event.
func FailedEvent(err error) Event {
	return Event{Kind: EventFailed, Err: err}
}

// Canceler forwards cancellation requests to the engine.
type Canceler interface {
	Cancel(id SequenceID) error
}

// CancelerFunc adapts a function to Canceler.
type CancelerFunc func(id SequenceID) error

// Cancel implements Canceler.
func (f CancelerFunc) Cancel(id SequenceID) error {
	return f(id)
}

// Spec describes one operation: how to validate and send it and how to decode its result.
type Spec[T any] struct {
	// Alias is the diagnostic label used in logs and metrics
	Alias string
	// Validate runs before anything is registered or sent. Optional.
	Validate func() error
	// Send hands the encoded request to the engine.
	Send func(ctx context.Context, id SequenceID) error
	// Decode turns the binary payload into a value.
	Decode func(payload []byte) (T, error)
}

// pendingEntry is the type-erased view of an in-flight operation.
type pendingEntry struct {
	id        SequenceID
	alias     string
	startedAt time.Time
	span      trace.Span
	complete  func(payload []byte) OutcomeKind
	fail      func(err error)
	cancel    func()
}

// Registry owns the in-flight operations of one session.
type Registry struct {
	sessionKey string
	seq        Sequencer
	canceler   Canceler
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[SequenceID]*pendingEntry
	closed  bool
}

// NewRegistry creates a registry for a session. canceler may be nil, in
// which case cancellation is only applied locally.
func NewRegistry(sessionKey string, canceler Canceler) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		sessionKey: sessionKey,
		canceler:   canceler,
		logger:     log.Logger.With().Str("component", "operation-registry").Str("sessionKey", sessionKey).Logger(),
		pending:    make(map[SequenceID]*pendingEntry),
	}
}

// SessionKey returns the key of the session owning this registry.
func (r *Registry) SessionKey() string {
	return r.sessionKey
}

// LastID returns the most recently issued sequence id.
func (r *Registry) LastID() SequenceID {
	return r.seq.Last()
}

// Submit registers and sends a new operation. The returned future is
// already settled when validation fails, the registry is closed, or the
// request could not be handed to the engine.
func Submit[T any](ctx context.Context, r *Registry, spec Spec[T]) (SequenceID, *Future[T]) {
	if ctx == nil {
		ctx = context.Background()
	}

	id := r.seq.Next()
	fut := newFuture[T](id, spec.Alias)
	observability.RecordOperationSubmitted(spec.Alias)

	if spec.Validate != nil {
		if err := spec.Validate(); err != nil {
			if !IsValidation(err) {
				err = &ValidationError{Reason: err.Error()}
			}
			fut.settle(Outcome[T]{Kind: OutcomeFailed, Err: err})
			observability.RecordOperationResolved(spec.Alias, OutcomeFailed.String(), 0)
			r.logger.Debug().
				Uint64("seq", uint64(id)).
				Str("alias", spec.Alias).
				Err(err).
				Msg("Operation rejected by validation")
			return id, fut
		}
	}

	ctx = tracing.WithSessionKey(ctx, r.sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"logdeck.operation",
		"operation."+spec.Alias,
		attribute.String("session_key", r.sessionKey),
		attribute.Int64("seq", int64(id)),
	)

	entry := &pendingEntry{
		id:        id,
		alias:     spec.Alias,
		startedAt: time.Now(),
		span:      span,
	}
	entry.complete = func(payload []byte) OutcomeKind {
		value, err := safeDecode(spec.Decode, payload)
		switch {
		case err == nil:
			fut.settle(Outcome[T]{Kind: OutcomeCompleted, Value: value})
			return OutcomeCompleted
		case errors.Is(err, ErrCancelledOutcome):
			fut.settle(Outcome[T]{Kind: OutcomeCancelled})
			return OutcomeCancelled
		default:
			fut.settle(Outcome[T]{Kind: OutcomeFailed, Err: &DecodeError{Alias: spec.Alias, Err: err}})
			return OutcomeFailed
		}
	}
	entry.fail = func(err error) {
		fut.settle(Outcome[T]{Kind: OutcomeFailed, Err: err})
	}
	entry.cancel = func() {
		fut.settle(Outcome[T]{Kind: OutcomeCancelled})
	}

	if !r.register(entry) {
		span.End()
		fut.settle(Outcome[T]{Kind: OutcomeFailed, Err: ErrClosed})
		observability.RecordOperationResolved(spec.Alias, OutcomeFailed.String(), 0)
		return id, fut
	}

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Debug().
		Uint64("seq", uint64(id)).
		Str("alias", spec.Alias).
		Msg("Operation submitted")

	if spec.Send == nil {
		r.OnPeerEvent(id, FailedEvent(&PeerError{Code: PeerErrSendFailed, Message: "operation has no sender"}))
		return id, fut
	}
	if err := spec.Send(ctx, id); err != nil {
		r.OnPeerEvent(id, FailedEvent(&PeerError{Code: PeerErrSendFailed, Message: "failed to send request", Err: err}))
	}

	return id, fut
}

func safeDecode[T any](decode func([]byte) (T, error), payload []byte) (value T, err error) {
	if decode == nil {
		return value, fmt.Errorf("no decoder configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("decoder panicked: %v", rec)
		}
	}()
	return decode(payload)
}

// register inserts entry unless the registry is closed.
func (r *Registry) register(entry *pendingEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.pending[entry.id] = entry
	observability.SetPendingOperations(r.sessionKey, len(r.pending))
	return true
}

// take removes and returns the entry for id.
func (r *Registry) take(id SequenceID) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.pending[id]
	if !exists {
		return nil, false
	}
	delete(r.pending, id)
	observability.SetPendingOperations(r.sessionKey, len(r.pending))
	return entry, true
}

// OnPeerEvent routes a terminal engine event to its pending operation. It
// returns false when the id is unknown or already terminal; such events are
// dropped.
func (r *Registry) OnPeerEvent(id SequenceID, event Event) bool {
	entry, exists := r.take(id)
	if !exists {
		observability.RecordUnknownSequenceEvent(r.sessionKey, event.Kind.String())
		r.logger.Debug().
			Uint64("seq", uint64(id)).
			Str("event", event.Kind.String()).
			Msg("Dropping event for unknown or finished operation")
		return false
	}

	var kind OutcomeKind
	switch event.Kind {
	case EventCompleted:
		kind = entry.complete(event.Payload)
	case EventCancelled:
		entry.cancel()
		kind = OutcomeCancelled
	case EventFailed:
		err := event.Err
		if err == nil {
			err = &PeerError{Code: PeerErrEngineFailure, Message: "engine reported failure without details"}
		}
		entry.fail(err)
		kind = OutcomeFailed
		entry.span.RecordError(err)
		entry.span.SetStatus(codes.Error, err.Error())
	default:
		err := fmt.Errorf("unknown event kind %d", event.Kind)
		entry.fail(&PeerError{Code: PeerErrEngineFailure, Err: err})
		kind = OutcomeFailed
	}

	r.finish(entry, kind)
	return true
}

// Cancel asks the engine to abort id and settles the caller's future as
// Cancelled. It returns false if id is not pending.
//
// Cancel is advisory, not a hard guarantee before completion is observed:
// a completion that reached the registry first wins, and the engine may
// still finish the work after Cancel returns. Its late result is dropped.
func (r *Registry) Cancel(id SequenceID) bool {
	entry, exists := r.take(id)
	if !exists {
		return false
	}

	if r.canceler != nil {
		if err := r.canceler.Cancel(id); err != nil {
			r.logger.Warn().
				Err(err).
				Uint64("seq", uint64(id)).
				Str("alias", entry.alias).
				Msg("Failed to forward cancellation to engine")
		}
	}

	entry.cancel()
	r.finish(entry, OutcomeCancelled)
	return true
}

// CancelAll cancels every pending operation without blocking on the engine.
// It returns the number of operations cancelled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	entries := make([]*pendingEntry, 0, len(r.pending))
	for id, entry := range r.pending {
		entries = append(entries, entry)
		delete(r.pending, id)
	}
	observability.SetPendingOperations(r.sessionKey, 0)
	r.mu.Unlock()

	if len(entries) == 0 {
		return 0
	}

	if r.canceler != nil {
		ids := make([]SequenceID, len(entries))
		for i, entry := range entries {
			ids[i] = entry.id
		}
		go func() {
			for _, id := range ids {
				if err := r.canceler.Cancel(id); err != nil {
					r.logger.Debug().Err(err).Uint64("seq", uint64(id)).Msg("Failed to forward cancellation to engine")
				}
			}
		}()
	}

	for _, entry := range entries {
		entry.cancel()
		r.finish(entry, OutcomeCancelled)
	}

	r.logger.Info().Int("cancelled", len(entries)).Msg("Cancelled all pending operations")
	return len(entries)
}

// FailAll rejects every pending operation with err. Used when the engine
// connection is lost and no acknowledgment can arrive anymore.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	entries := make([]*pendingEntry, 0, len(r.pending))
	for id, entry := range r.pending {
		entries = append(entries, entry)
		delete(r.pending, id)
	}
	observability.SetPendingOperations(r.sessionKey, 0)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.fail(err)
		entry.span.RecordError(err)
		r.finish(entry, OutcomeFailed)
	}
	return len(entries)
}

// Close cancels everything pending and refuses further submissions.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.CancelAll()
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Pending returns the number of in-flight operations.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingIDs returns the in-flight sequence ids in ascending order.
func (r *Registry) PendingIDs() []SequenceID {
	r.mu.Lock()
	ids := make([]SequenceID, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) finish(entry *pendingEntry, kind OutcomeKind) {
	duration := time.Since(entry.startedAt)
	entry.span.SetAttributes(attribute.String("outcome", kind.String()))
	entry.span.End()
	observability.RecordOperationResolved(entry.alias, kind.String(), duration)

	r.logger.Debug().
		Uint64("seq", uint64(entry.id)).
		Str("alias", entry.alias).
		Str("outcome", kind.String()).
		Dur("duration", duration).
		Msg("Operation finished")
}
