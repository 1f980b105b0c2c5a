package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSpec_ForwardsMethodAndParams(t *testing.T) {
	r := NewRegistry("s-1", nil)

	type params struct{ Path string }
	var gotMethod string
	var gotParams any
	req := RequesterFunc(func(_ context.Context, id SequenceID, method string, p any) error {
		gotMethod, gotParams = method, p
		r.OnPeerEvent(id, CompletedEvent([]byte("ok")))
		return nil
	})

	value, err := Call(context.Background(), r, NewSpec(req, "jobs.checksum", params{Path: "/tmp/a"}, decodeString))
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, "jobs.checksum", gotMethod)
	assert.Equal(t, params{Path: "/tmp/a"}, gotParams)
}

func TestNewSpec_NilRequester(t *testing.T) {
	r := NewRegistry("s-1", nil)

	_, err := Call(context.Background(), r, NewSpec[string](nil, "jobs.sleep", nil, decodeString))
	assert.ErrorIs(t, err, ErrNoRequester)
}

func TestCall_ContextExpiryCancels(t *testing.T) {
	cancelled := make(chan SequenceID, 1)
	r := NewRegistry("s-1", CancelerFunc(func(id SequenceID) error {
		cancelled <- id
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	req := RequesterFunc(func(context.Context, SequenceID, string, any) error { return nil })
	_, err := Call(ctx, r, NewSpec(req, "jobs.sleep", nil, decodeString))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Pending())
	select {
	case id := <-cancelled:
		assert.Equal(t, SequenceID(1), id)
	case <-time.After(time.Second):
		t.Fatal("engine was not asked to cancel")
	}
}
