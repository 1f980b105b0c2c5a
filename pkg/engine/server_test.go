package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/jobs"
	"github.com/harun/logdeck/pkg/operation"
	"github.com/harun/logdeck/pkg/peer"
	"github.com/harun/logdeck/pkg/protocol"
	"github.com/harun/logdeck/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const engineSecret = "engine-secret"

type testEngine struct {
	srv   *Server
	http  *httptest.Server
	store *Store
	fs    afero.Fs
}

func (e *testEngine) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func startTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := newTestStore(t)
	fs := afero.NewMemMapFs()
	plugins := NewPluginManager(fs, "/plugins", zerolog.Nop())

	srv, err := NewServer(Config{
		SharedSecret:    engineSecret,
		Store:           store,
		Plugins:         plugins,
		FS:              fs,
		ShutdownTimeout: time.Second,
		Spawn:           func(string, []string) (int, error) { return 1, nil },
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.CloseClientConnections()
		hs.Close()
		_ = srv.queue.Close()
	})
	return &testEngine{srv: srv, http: hs, store: store, fs: fs}
}

func dialEngine(t *testing.T, e *testEngine) *peer.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := peer.Dial(ctx, peer.Config{URL: e.wsURL(), SharedSecret: engineSecret, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewServer_Validation(t *testing.T) {
	store := newTestStore(t)
	plugins := NewPluginManager(afero.NewMemMapFs(), "/p", zerolog.Nop())

	_, err := NewServer(Config{Store: store, Plugins: plugins})
	assert.Error(t, err)
	_, err = NewServer(Config{SharedSecret: "s", Plugins: plugins})
	assert.Error(t, err)
	_, err = NewServer(Config{SharedSecret: "s", Store: store})
	assert.Error(t, err)
}

func TestServer_StreamOverPeer(t *testing.T) {
	e := startTestEngine(t)
	seedStream(t, e.store, "session-a", 50)

	client := dialEngine(t, e)
	ch, err := client.Open("session-a")
	require.NoError(t, err)
	s := stream.New(ch.Registry(), ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), n)

	packet, err := s.Chunk(ctx, stream.Range{From: 10, To: 12})
	require.NoError(t, err)
	require.Len(t, packet.Rows, 3)
	assert.Equal(t, "tick cpu=10", packet.Rows[0].Content)
	assert.Equal(t, stream.Range{From: 10, To: 12}, packet.Range)

	values, err := s.Values(ctx, stream.ValuesParams{DatasetLength: 5, Filters: []string{`cpu=(\d+)`}})
	require.NoError(t, err)
	require.Len(t, values[0], 5)
	assert.Equal(t, float64(49), values[0][4].Max)
}

func TestServer_SessionsAreSeparate(t *testing.T) {
	e := startTestEngine(t)
	seedStream(t, e.store, "one", 3)
	seedStream(t, e.store, "two", 7)

	client := dialEngine(t, e)
	chOne, err := client.Open("one")
	require.NoError(t, err)
	chTwo, err := client.Open("two")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1, err := stream.New(chOne.Registry(), chOne).Len(ctx)
	require.NoError(t, err)
	n2, err := stream.New(chTwo.Registry(), chTwo).Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n1)
	assert.Equal(t, uint64(7), n2)
}

func TestServer_JobsOverPeer(t *testing.T) {
	e := startTestEngine(t)
	require.NoError(t, afero.WriteFile(e.fs, "/data/app.log", []byte("INFO up\nERROR down\n"), 0o644))

	client := dialEngine(t, e)
	ch, err := client.Open("jobs")
	require.NoError(t, err)
	j := jobs.New(ch.Registry(), ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sum, err := j.CancelTest(ctx, 20, 22).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)

	binary, err := j.IsFileBinary(ctx, "/data/app.log").Wait(ctx)
	require.NoError(t, err)
	assert.False(t, binary)

	stats, err := j.GetDltStats(ctx, []string{"/data/app.log"}).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, stats.AppIDs, 1)
	assert.Equal(t, 1, stats.AppIDs[0].Levels.Error)

	regexErr, err := j.GetRegexError(ctx, jobs.FilterParams{Value: "(", IsRegex: true}).Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, regexErr)

	regexErr, err = j.GetRegexError(ctx, jobs.FilterParams{Value: "ok"}).Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, regexErr)

	_, err = j.SpawnProcess(ctx, "/bin/true", nil).Wait(ctx)
	require.NoError(t, err)

	plugin, err := j.InstalledPluginsInfo(ctx, "/plugins/none").Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, plugin)

	_, err = j.ReloadPlugins(ctx).Wait(ctx)
	require.NoError(t, err)
}

func TestServer_EngineValidationFailure(t *testing.T) {
	e := startTestEngine(t)
	client := dialEngine(t, e)
	ch, err := client.Open("bad")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = jobs.New(ch.Registry(), ch).GetFileChecksum(ctx, "/missing").Wait(ctx)
	var perr *operation.PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, operation.PeerErrEngineFailure, perr.Code)

	_, err = operation.Call(ctx, ch.Registry(), operation.NewSpec(ch, stream.MethodChunk, map[string]int{"from": 9, "to": 1}, codec.Rows))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, operation.PeerErrInvalidParams, perr.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	e := startTestEngine(t)
	client := dialEngine(t, e)
	ch, err := client.Open("s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = operation.Call(ctx, ch.Registry(), operation.NewSpec(ch, "nope.missing", nil, codec.Void))
	var perr *operation.PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, operation.PeerErrUnknownMethod, perr.Code)
}

func TestServer_CancelRunningJob(t *testing.T) {
	e := startTestEngine(t)
	client := dialEngine(t, e)
	ch, err := client.Open("cancel")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lane := laneFor(onlyConnection(t, e).ID, "cancel")
	job := jobs.New(ch.Registry(), ch).Sleep(ctx, 60_000)
	require.Eventually(t, func() bool {
		return e.srv.queue.Stats()[lane].Running == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, job.Cancel())
	_, err = job.Wait(ctx)
	assert.ErrorIs(t, err, operation.ErrCancelled)

	assert.Eventually(t, func() bool {
		return len(e.srv.queue.Lanes()) == 0
	}, 2*time.Second, 10*time.Millisecond, "engine job should stop after cancel")
}

func TestServer_DisconnectDropsJobs(t *testing.T) {
	e := startTestEngine(t)
	client := dialEngine(t, e)
	ch, err := client.Open("drop")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job := jobs.New(ch.Registry(), ch).Sleep(ctx, 60_000)
	require.Eventually(t, func() bool {
		return len(e.srv.queue.Lanes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())

	_, err = job.Wait(ctx)
	var perr *operation.PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, operation.PeerErrDisconnected, perr.Code)

	assert.Eventually(t, func() bool {
		return len(e.srv.queue.Lanes()) == 0 && e.srv.Connections().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RejectsWrongSecret(t *testing.T) {
	e := startTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := peer.Dial(ctx, peer.Config{URL: e.wsURL(), SharedSecret: "wrong", Logger: zerolog.Nop()})
	assert.True(t, errors.Is(err, peer.ErrAuthFailed))
}

func TestServer_RequiresAuthentication(t *testing.T) {
	e := startTestEngine(t)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge protocol.AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	assert.Equal(t, protocol.EventAuthChallenge, challenge.Event)

	req, err := protocol.NewRequest(1, "s", stream.MethodLen, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var ev protocol.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, protocol.EventFailed, ev.Event)
	require.NotNil(t, ev.Error)
	assert.Equal(t, protocol.AuthenticationRequired, ev.Error.Code)
}

func TestServer_ClosesAfterFailedAttempts(t *testing.T) {
	e := startTestEngine(t)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge protocol.AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	for i := 0; i < protocol.MaxAuthAttempts; i++ {
		require.NoError(t, conn.WriteJSON(protocol.AuthResponse{Method: protocol.MethodAuthResponse, Signature: "bad"}))
		var result protocol.AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	}

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after too many attempts")
}

func TestServer_MalformedFrame(t *testing.T) {
	e := startTestEngine(t)

	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var challenge protocol.AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	auth := protocol.NewAuthenticator(engineSecret)
	require.NoError(t, conn.WriteJSON(protocol.AuthResponse{Method: protocol.MethodAuthResponse, Signature: auth.Sign(challenge.Challenge)}))
	var result protocol.AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"1.0","id":"1","session":"s","method":"x"}`)))
	var ev protocol.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Error)
	assert.Equal(t, protocol.InvalidRequest, ev.Error.Code)
}

func TestServer_Healthz(t *testing.T) {
	e := startTestEngine(t)

	resp, err := http.Get(e.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(22+3), body["methods"])
}

func onlyConnection(t *testing.T, e *testEngine) *Connection {
	t.Helper()
	conns := e.srv.Connections().GetAll()
	require.Len(t, conns, 1)
	return conns[0]
}
