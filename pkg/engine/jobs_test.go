package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/jobs"
	"github.com/harun/logdeck/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spawnRecorder struct {
	path string
	args []string
	err  error
}

func (r *spawnRecorder) start(path string, args []string) (int, error) {
	r.path, r.args = path, args
	if r.err != nil {
		return 0, r.err
	}
	return 4242, nil
}

func newTestJobService(t *testing.T, fs afero.Fs) (*jobService, *spawnRecorder) {
	t.Helper()
	rec := &spawnRecorder{}
	return &jobService{
		fs:      fs,
		plugins: NewPluginManager(fs, "/plugins", zerolog.Nop()),
		spawn:   rec.start,
		environ: func() []string { return []string{"HOME=/home/dev", "EMPTY=", "broken"} },
		logger:  zerolog.Nop(),
	}, rec
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestJobs_CancelTest(t *testing.T) {
	svc, _ := newTestJobService(t, afero.NewMemMapFs())

	got, err := svc.handleCancelTest(context.Background(), newCall(t, "s", jobs.MethodCancelTest, jobs.CancelTestParams{A: 2, B: 40}))
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.handleCancelTest(ctx, newCall(t, "s", jobs.MethodCancelTest, jobs.CancelTestParams{A: 1, B: 1}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobs_Sleep(t *testing.T) {
	svc, _ := newTestJobService(t, afero.NewMemMapFs())

	start := time.Now()
	_, err := svc.handleSleep(context.Background(), newCall(t, "s", jobs.MethodSleep, jobs.SleepParams{Ms: 20}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = svc.handleSleep(context.Background(), newCall(t, "s", jobs.MethodSleep, jobs.SleepParams{Ms: jobs.MaxSleepMs + 1}))
	requireProtocolCode(t, err, protocol.InvalidParams)
}

func TestJobs_ListContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/logs/a.log", "a")
	writeFile(t, fs, "/logs/b.dlt", "bb")
	writeFile(t, fs, "/logs/deep/c.txt", "ccc")
	writeFile(t, fs, "/logs/deep/deeper/d.txt", "d")
	svc, _ := newTestJobService(t, fs)
	ctx := context.Background()

	got, err := svc.handleListContent(ctx, newCall(t, "s", jobs.MethodListContent, jobs.ListContentParams{
		Depth:        1,
		Max:          100,
		Paths:        []string{"/logs"},
		IncludeFiles: true,
	}))
	require.NoError(t, err)
	result := got.(codec.FoldersScanningResult)
	assert.False(t, result.MaxReached)

	names := make([]string, 0, len(result.List))
	for _, e := range result.List {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.log", "b.dlt"}, names)

	got, err = svc.handleListContent(ctx, newCall(t, "s", jobs.MethodListContent, jobs.ListContentParams{
		Depth:          3,
		Max:            100,
		Paths:          []string{"/logs"},
		IncludeFolders: true,
	}))
	require.NoError(t, err)
	result = got.(codec.FoldersScanningResult)
	require.Len(t, result.List, 2)
	for _, e := range result.List {
		assert.Equal(t, codec.EntityFolder, e.Kind)
	}

	got, err = svc.handleListContent(ctx, newCall(t, "s", jobs.MethodListContent, jobs.ListContentParams{
		Depth:          5,
		Max:            2,
		Paths:          []string{"/logs"},
		IncludeFiles:   true,
		IncludeFolders: true,
	}))
	require.NoError(t, err)
	result = got.(codec.FoldersScanningResult)
	assert.True(t, result.MaxReached)
	assert.Len(t, result.List, 2)
}

func TestJobs_IsFileBinary(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/text.log", "hello\nworld\t\x1b[31mred\x1b[0m\n")
	writeFile(t, fs, "/blob.bin", "ELF\x00\x01\x02")
	svc, _ := newTestJobService(t, fs)
	ctx := context.Background()

	got, err := svc.handleIsFileBinary(ctx, newCall(t, "s", jobs.MethodIsFileBinary, jobs.PathParams{Path: "/text.log"}))
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = svc.handleIsFileBinary(ctx, newCall(t, "s", jobs.MethodIsFileBinary, jobs.PathParams{Path: "/blob.bin"}))
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = svc.handleIsFileBinary(ctx, newCall(t, "s", jobs.MethodIsFileBinary, jobs.PathParams{Path: "/missing"}))
	assert.Error(t, err)
}

func TestLooksBinary(t *testing.T) {
	assert.False(t, looksBinary(nil))
	assert.False(t, looksBinary([]byte("plain ascii")))
	assert.False(t, looksBinary([]byte("ünïcødé text")))
	assert.True(t, looksBinary([]byte{0xff, 0xfe, 0xfd, 'a'}))
}

func TestJobs_FileChecksum(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/f", "checksum me")
	svc, _ := newTestJobService(t, fs)

	got, err := svc.handleFileChecksum(context.Background(), newCall(t, "s", jobs.MethodGetFileChecksum, jobs.PathParams{Path: "/f"}))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("checksum me"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestJobs_SpawnProcess(t *testing.T) {
	svc, rec := newTestJobService(t, afero.NewMemMapFs())
	ctx := context.Background()

	got, err := svc.handleSpawnProcess(ctx, newCall(t, "s", jobs.MethodSpawnProcess, jobs.SpawnProcessParams{Path: "/bin/tail", Args: []string{"-f", "x"}}))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "/bin/tail", rec.path)
	assert.Equal(t, []string{"-f", "x"}, rec.args)

	rec.err = errors.New("exec format error")
	_, err = svc.handleSpawnProcess(ctx, newCall(t, "s", jobs.MethodSpawnProcess, jobs.SpawnProcessParams{Path: "/bad"}))
	assert.ErrorContains(t, err, "exec format error")
}

func TestJobs_DltStats(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/ecu/app.log", "INFO start\nWARN low\nERROR boom\nFATAL dead\nnoise\nINFO again\n")
	svc, _ := newTestJobService(t, fs)

	got, err := svc.handleDltStats(context.Background(), newCall(t, "s", jobs.MethodGetDltStats, jobs.PathsParams{Paths: []string{"/ecu/app.log"}}))
	require.NoError(t, err)

	info := got.(codec.DltStatisticInfo)
	require.Len(t, info.AppIDs, 1)
	assert.Equal(t, "app.log", info.AppIDs[0].ID)
	assert.Equal(t, codec.LevelDistribution{Fatal: 1, Error: 1, Warn: 1, Info: 2, Invalid: 1}, info.AppIDs[0].Levels)
}

func TestJobs_SomeipStatistic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/a.log", "service=0x1234 method=0x01\nSERVICE: 0x1234\nunrelated\n")
	writeFile(t, fs, "/b.log", "service 0xBEEF method=0x02\n")
	svc, _ := newTestJobService(t, fs)

	got, err := svc.handleSomeipStatistic(context.Background(), newCall(t, "s", jobs.MethodGetSomeipStatistic, jobs.PathsParams{Paths: []string{"/a.log", "/b.log"}}))
	require.NoError(t, err)

	var stats codec.SomeipStatistic
	require.NoError(t, json.Unmarshal([]byte(got.(string)), &stats))
	assert.Equal(t, map[string]int{"0x1234": 2, "0xbeef": 1}, stats.Services)
	assert.Equal(t, map[string]int{"0x01": 1, "0x02": 1}, stats.Messages)
}

func TestJobs_ShellProfiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, shellsFile, "# shells\n/bin/bash\n/bin/zsh\n/bin/bash\n/usr/bin/missing\n")
	writeFile(t, fs, "/bin/bash", "")
	writeFile(t, fs, "/bin/zsh", "")
	svc, _ := newTestJobService(t, fs)

	got, err := svc.handleShellProfiles(context.Background(), newCall(t, "s", jobs.MethodGetShellProfiles, nil))
	require.NoError(t, err)
	profiles := got.([]codec.Profile)
	require.Len(t, profiles, 2)
	assert.Equal(t, "bash", profiles[0].Name)
	assert.Equal(t, "/bin/zsh", profiles[1].Path)
}

func TestJobs_ContextEnvvars(t *testing.T) {
	svc, _ := newTestJobService(t, afero.NewMemMapFs())

	got, err := svc.handleContextEnvvars(context.Background(), newCall(t, "s", jobs.MethodGetContextEnvvars, nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOME": "/home/dev", "EMPTY": ""}, got)
}

func TestJobs_SerialPorts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/dev/ttyUSB0", "")
	writeFile(t, fs, "/dev/ttyS1", "")
	writeFile(t, fs, "/dev/null", "")
	svc, _ := newTestJobService(t, fs)

	got, err := svc.handleSerialPorts(context.Background(), newCall(t, "s", jobs.MethodGetSerialPortsList, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyS1", "/dev/ttyUSB0"}, got)
}

func TestJobs_RegexError(t *testing.T) {
	svc, _ := newTestJobService(t, afero.NewMemMapFs())
	ctx := context.Background()

	got, err := svc.handleRegexError(ctx, newCall(t, "s", jobs.MethodGetRegexError, jobs.FilterParams{Value: "a(b", IsRegex: true}))
	require.NoError(t, err)
	msg, ok := got.(*string)
	require.True(t, ok)
	assert.Contains(t, *msg, "missing closing )")

	got, err = svc.handleRegexError(ctx, newCall(t, "s", jobs.MethodGetRegexError, jobs.FilterParams{Value: "a(b"}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFilterPattern(t *testing.T) {
	assert.Equal(t, `a\.b`, filterPattern(jobs.FilterParams{Value: "a.b"}))
	assert.Equal(t, `(?i)\berr\b`, filterPattern(jobs.FilterParams{Value: "err", IgnoreCase: true, IsWord: true}))
	assert.Equal(t, `x+`, filterPattern(jobs.FilterParams{Value: "x+", IsRegex: true}))
}

func TestJobService_RegistersEveryMethod(t *testing.T) {
	svc, _ := newTestJobService(t, afero.NewMemMapFs())
	m := NewMethods()
	require.NoError(t, svc.register(m))
	assert.Len(t, m.Names(), 22)

	_, ok := m.Lookup(jobs.MethodReloadPlugins)
	assert.True(t, ok)
	assert.Error(t, svc.register(m), "duplicate registration must fail")
}

func TestMethods_Register(t *testing.T) {
	m := NewMethods()
	h := func(context.Context, *Call) (any, error) { return nil, nil }

	assert.Error(t, m.Register("x", nil))
	assert.Error(t, m.Register("", h))
	assert.Error(t, m.Register(protocol.MethodCancel, h))
	require.NoError(t, m.Register("x", h))
	assert.Equal(t, []string{"x"}, m.Names())
}
