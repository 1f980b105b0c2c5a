package session

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/logdeck/pkg/engine"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/peer"
	"github.com/harun/logdeck/pkg/recent"
	"github.com/harun/logdeck/pkg/stream"
	"github.com/harun/logdeck/pkg/window"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "session-test-secret"

// countingTransport counts requests per method on the way to the engine.
type countingTransport struct {
	inner Transport

	mu     sync.Mutex
	counts map[string]int
}

type countingChannel struct {
	Channel
	t *countingTransport
}

func (c countingChannel) Request(ctx context.Context, id operation.SequenceID, method string, params any) error {
	c.t.mu.Lock()
	c.t.counts[method]++
	c.t.mu.Unlock()
	return c.Channel.Request(ctx, id, method, params)
}

func (t *countingTransport) Open(sessionKey string) (Channel, error) {
	ch, err := t.inner.Open(sessionKey)
	if err != nil {
		return nil, err
	}
	return countingChannel{Channel: ch, t: t}, nil
}

func (t *countingTransport) count(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[method]
}

func startEngine(t *testing.T) (*engine.Store, string) {
	t.Helper()

	store, err := engine.OpenStore(filepath.Join(t.TempDir(), "rows.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs := afero.NewMemMapFs()
	srv, err := engine.NewServer(engine.Config{
		SharedSecret:    testSecret,
		Store:           store,
		Plugins:         engine.NewPluginManager(fs, "/plugins", zerolog.Nop()),
		FS:              fs,
		ShutdownTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.CloseClientConnections()
		hs.Close()
		_ = srv.Stop()
	})
	return store, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func openOverEngine(t *testing.T, url string, cfg Config) (*Manager, *countingTransport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := peer.Dial(ctx, peer.Config{URL: url, SharedSecret: testSecret, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	transport := &countingTransport{inner: PeerTransport(client), counts: make(map[string]int)}
	m, err := New(transport, cfg)
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m, transport
}

func appendLines(t *testing.T, store *engine.Store, session string, n int) {
	t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("sample value=%d", i)
	}
	_, err := store.Append(context.Background(), session, 0, lines)
	require.NoError(t, err)
}

func TestEngine_RepeatedRowsHitCache(t *testing.T) {
	store, url := startEngine(t)
	appendLines(t, store, "view", 1000)

	m, transport := openOverEngine(t, url, Config{
		Window: window.Config{Margin: 0, ItemHeight: window.DefaultItemHeight},
		Recent: recent.DefaultConfig(),
	})
	ctx := testCtx(t)

	s, err := m.Open(ctx, "view")
	require.NoError(t, err)

	values, err := s.Values(ctx, stream.ValuesParams{DatasetLength: 100, Filters: []string{`value=(\d+)`}})
	require.NoError(t, err)
	require.Len(t, values[0], 100)

	first, err := s.Rows(ctx, stream.Range{From: 0, To: 99})
	require.NoError(t, err)
	require.Len(t, first.Rows, 100)
	assert.Equal(t, stream.Range{From: 0, To: 99}, first.Range)
	assert.Equal(t, "sample value=0", first.Rows[0].Content)
	assert.Equal(t, uint64(99), first.Rows[99].Position)

	second, err := s.Rows(ctx, stream.Range{From: 0, To: 99})
	require.NoError(t, err)
	assert.Equal(t, first.Rows, second.Rows)

	assert.Equal(t, 1, transport.count(stream.MethodChunk))
	assert.Equal(t, 1, transport.count(stream.MethodValues))
	assert.Equal(t, uint64(1000), s.ScrollArea(ctx).TotalLength())
}

func TestEngine_CancelBeforeReply(t *testing.T) {
	_, url := startEngine(t)
	m, _ := openOverEngine(t, url, testConfig())
	ctx := testCtx(t)

	s, err := m.Open(ctx, "jobs")
	require.NoError(t, err)

	job := s.Jobs.Sleep(ctx, 200)
	require.True(t, job.Cancel())

	_, err = job.Wait(ctx)
	assert.ErrorIs(t, err, operation.ErrCancelled)
	assert.False(t, job.Cancel())

	// the session still works after the engine drops the cancelled job
	sum, err := s.Jobs.CancelTest(ctx, 1, 2).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum)
	assert.Zero(t, s.Pending())
}

func TestEngine_SessionsDoNotShareRows(t *testing.T) {
	store, url := startEngine(t)
	appendLines(t, store, "left", 5)
	appendLines(t, store, "right", 8)

	m, _ := openOverEngine(t, url, testConfig())
	ctx := testCtx(t)

	left, err := m.Open(ctx, "left")
	require.NoError(t, err)
	right, err := m.Open(ctx, "right")
	require.NoError(t, err)

	assert.Equal(t, uint64(5), left.ScrollArea(ctx).TotalLength())
	assert.Equal(t, uint64(8), right.ScrollArea(ctx).TotalLength())

	packet, err := right.Rows(ctx, stream.Range{From: 6, To: 20})
	require.NoError(t, err)
	require.Len(t, packet.Rows, 2)

	_, ok := left.Lookup(6)
	assert.False(t, ok)
	row, ok := right.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "sample value=7", row.Content)
}
