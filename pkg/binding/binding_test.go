package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/logdeck/pkg/stream"
	"github.com/harun/logdeck/pkg/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	length  uint64
	lenErr  error
	chunks  int
	lenCall int
}

func (s *countingSource) Chunk(_ context.Context, r stream.Range) (stream.RowsPacket, error) {
	s.chunks++
	packet := stream.RowsPacket{Range: r}
	for pos := r.From; pos <= r.To && pos < s.length; pos++ {
		packet.Rows = append(packet.Rows, stream.Row{Position: pos})
	}
	return packet, nil
}

func (s *countingSource) Len(context.Context) (uint64, error) {
	s.lenCall++
	return s.length, s.lenErr
}

func TestStorage(t *testing.T) {
	s := NewStorage()
	count := NewKey[int]("count")

	_, ok := Get(s, count)
	assert.False(t, ok)

	Set(s, count, 3)
	v, ok := Get(s, count)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	wrongType := NewKey[string]("count")
	_, ok = Get(s, wrongType)
	assert.False(t, ok)

	assert.Equal(t, []string{"count"}, s.Keys())

	Delete(s, count)
	Delete(s, count)
	assert.Empty(t, s.Keys())
}

func TestAttach_BuildsFreshCache(t *testing.T) {
	s := NewStorage()
	src := &countingSource{length: 500}
	built := 0

	cache := Attach(context.Background(), s, ScrollAreaKey, func() *window.Cache {
		built++
		return window.New("s-1", src, nil, window.DefaultConfig())
	})

	require.NotNil(t, cache)
	assert.Equal(t, 1, built)
	assert.Equal(t, uint64(500), cache.TotalLength())
	assert.Equal(t, 16.0, cache.ItemHeight())
}

func TestDetachReattach_RoundTrip(t *testing.T) {
	s := NewStorage()
	src := &countingSource{length: 500}
	factory := func() *window.Cache {
		return window.New("s-1", src, nil, window.DefaultConfig())
	}

	cache := Attach(context.Background(), s, ScrollAreaKey, factory)
	_, err := cache.Ensure(context.Background(), stream.Range{From: 10, To: 20})
	require.NoError(t, err)
	require.Equal(t, 1, src.chunks)

	Detach(s, ScrollAreaKey, cache)
	Detach(s, ScrollAreaKey, cache)

	// the stream grew while the view was away
	src.length = 900
	again := Attach(context.Background(), s, ScrollAreaKey, func() *window.Cache {
		t.Fatal("factory must not run when a cache is stored")
		return nil
	})

	assert.Same(t, cache, again)
	assert.Equal(t, uint64(900), again.TotalLength())

	packet, err := again.Ensure(context.Background(), stream.Range{From: 10, To: 20})
	require.NoError(t, err)
	assert.Len(t, packet.Rows, 11)
	assert.Equal(t, 1, src.chunks, "rows cached before detach are still served")
}

func TestAttach_WhileAttachedReturnsSameInstance(t *testing.T) {
	s := NewStorage()
	src := &countingSource{length: 10}
	factory := func() *window.Cache {
		return window.New("s-1", src, nil, window.DefaultConfig())
	}

	a := Attach(context.Background(), s, ScrollAreaKey, factory)
	b := Attach(context.Background(), s, ScrollAreaKey, factory)
	assert.Same(t, a, b)
}

func TestAttach_RefreshFailureKeepsLength(t *testing.T) {
	s := NewStorage()
	src := &countingSource{length: 50}
	cache := Attach(context.Background(), s, ScrollAreaKey, func() *window.Cache {
		return window.New("s-1", src, nil, window.DefaultConfig())
	})

	src.lenErr = errors.New("engine offline")
	again := Attach(context.Background(), s, ScrollAreaKey, nil)

	assert.Same(t, cache, again)
	assert.Equal(t, uint64(50), again.TotalLength())
}

func TestDetach_Nil(t *testing.T) {
	s := NewStorage()
	Detach(s, ScrollAreaKey, nil)
	assert.Empty(t, s.Keys())
}
