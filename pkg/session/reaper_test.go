package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReaper_DefaultTimeout(t *testing.T) {
	m := newTestManager(t, newFakeTransport(1))

	r := NewReaper(m, 0)
	assert.Equal(t, DefaultIdleTimeout, r.IdleTimeout())

	r.SetIdleTimeout(time.Minute)
	assert.Equal(t, time.Minute, r.IdleTimeout())
}

func TestReaperStartStop(t *testing.T) {
	m := newTestManager(t, newFakeTransport(1))
	r := NewReaper(m, time.Minute)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.Error(t, r.Start())

	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())

	// restartable
	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())
}

func TestReaper_ReapNow(t *testing.T) {
	transport := newFakeTransport(10)
	m := newTestManager(t, transport)
	ctx := testCtx(t)

	_, err := m.Open(ctx, "idle")
	require.NoError(t, err)
	_, err = m.Open(ctx, "fresh")
	require.NoError(t, err)

	r := NewReaper(m, time.Minute)
	assert.Empty(t, r.ReapNow())

	later := time.Now().Add(2 * time.Minute)
	r.now = func() time.Time { return later }

	// fresh was used just before the clock jump
	fresh, _ := m.Get("fresh")
	fresh.mu.Lock()
	fresh.lastUsed = later
	fresh.mu.Unlock()

	assert.Equal(t, []string{"idle"}, r.ReapNow())
	assert.Equal(t, []string{"fresh"}, m.Keys())
	assert.True(t, transport.channel("idle").isClosed())
}

func TestReaper_SkipsBusySessions(t *testing.T) {
	transport := newFakeTransport(10)
	transport.hold = true
	m := newTestManager(t, transport)
	ctx := testCtx(t)

	s, err := m.Open(ctx, "busy")
	require.NoError(t, err)
	_, future := s.Stream.LenAsync(ctx)

	r := NewReaper(m, time.Minute)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	assert.Empty(t, r.ReapNow())
	assert.Equal(t, []string{"busy"}, m.Keys())

	s.Registry().Cancel(future.ID())
	assert.Equal(t, []string{"busy"}, r.ReapNow())
}
