package peer

import (
	"context"
	"testing"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitPending(t *testing.T, registry *operation.Registry) (operation.SequenceID, *operation.Future[string]) {
	t.Helper()
	spec := operation.Spec[string]{
		Alias:  "echo",
		Send:   func(context.Context, operation.SequenceID) error { return nil },
		Decode: codec.String,
	}
	return operation.Submit(context.Background(), registry, spec)
}

func TestRouterDispatch(t *testing.T) {
	router := NewRouter(zerolog.Nop())
	registry := operation.NewRegistry("s-1", nil)
	require.True(t, router.Add(registry))
	assert.False(t, router.Add(operation.NewRegistry("s-1", nil)))

	id, fut := submitPending(t, registry)
	payload, err := codec.Finished("hello")
	require.NoError(t, err)

	t.Run("unknown session is dropped", func(t *testing.T) {
		assert.False(t, router.Dispatch(protocol.Event{ID: protocol.FormatID(uint64(id)), Session: "other", Event: protocol.EventDone, Payload: payload}))
		assert.Equal(t, 1, registry.Pending())
	})

	t.Run("malformed id is dropped", func(t *testing.T) {
		assert.False(t, router.Dispatch(protocol.Event{ID: "", Session: "s-1", Event: protocol.EventFailed, Error: &protocol.Error{Code: protocol.ParseError, Message: "Parse error"}}))
		assert.Equal(t, 1, registry.Pending())
	})

	t.Run("matching event resolves", func(t *testing.T) {
		assert.True(t, router.Dispatch(protocol.Event{ID: protocol.FormatID(uint64(id)), Session: "s-1", Event: protocol.EventDone, Payload: payload}))
		value, err := fut.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "hello", value)
	})

	t.Run("duplicate event is dropped", func(t *testing.T) {
		assert.False(t, router.Dispatch(protocol.Event{ID: protocol.FormatID(uint64(id)), Session: "s-1", Event: protocol.EventDone, Payload: payload}))
	})
}

func TestRouterEventMapping(t *testing.T) {
	tests := []struct {
		name     string
		event    protocol.Event
		wantKind operation.OutcomeKind
		wantCode operation.PeerErrorCode
	}{
		{name: "cancelled", event: protocol.Event{Event: protocol.EventCancelled}, wantKind: operation.OutcomeCancelled},
		{name: "invalid params", event: protocol.Event{Event: protocol.EventFailed, Error: &protocol.Error{Code: protocol.InvalidParams, Message: "bad"}}, wantKind: operation.OutcomeFailed, wantCode: operation.PeerErrInvalidParams},
		{name: "internal", event: protocol.Event{Event: protocol.EventFailed, Error: &protocol.Error{Code: protocol.InternalError, Message: "boom"}}, wantKind: operation.OutcomeFailed, wantCode: operation.PeerErrEngineFailure},
		{name: "no details", event: protocol.Event{Event: protocol.EventFailed}, wantKind: operation.OutcomeFailed, wantCode: operation.PeerErrEngineFailure},
		{name: "unexpected event", event: protocol.Event{Event: "weird"}, wantKind: operation.OutcomeFailed, wantCode: operation.PeerErrEngineFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(zerolog.Nop())
			registry := operation.NewRegistry("s-1", nil)
			router.Add(registry)

			id, fut := submitPending(t, registry)
			ev := tt.event
			ev.ID = protocol.FormatID(uint64(id))
			ev.Session = "s-1"
			require.True(t, router.Dispatch(ev))

			outcome, done := fut.Outcome()
			require.True(t, done)
			assert.Equal(t, tt.wantKind, outcome.Kind)
			if tt.wantCode != "" {
				var perr *operation.PeerError
				require.ErrorAs(t, outcome.Err, &perr)
				assert.Equal(t, tt.wantCode, perr.Code)
			}
		})
	}
}

func TestRouterFailAll(t *testing.T) {
	router := NewRouter(zerolog.Nop())
	a := operation.NewRegistry("a", nil)
	b := operation.NewRegistry("b", nil)
	router.Add(a)
	router.Add(b)

	submitPending(t, a)
	submitPending(t, a)
	submitPending(t, b)

	assert.Equal(t, 3, router.FailAll(&operation.PeerError{Code: operation.PeerErrDisconnected}))
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 0, b.Pending())

	router.Remove("a")
	assert.Equal(t, 1, router.Count())
}
