// Package jobs exposes the engine's leaf operations: file-system probes,
// process helpers and plugin management. Every job is submitted through the
// session's operation registry and can be cancelled while it runs.
package jobs

import (
	"context"
	"errors"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/operation"
)

// Job is a submitted engine job.
type Job[T any] struct {
	*operation.Future[T]
	registry *operation.Registry
}

// Cancel asks the engine to stop the job. It reports false if the job
// already finished.
func (j Job[T]) Cancel() bool {
	return j.registry.Cancel(j.ID())
}

// Wait blocks until the job finishes. If ctx ends first the job is cancelled.
func (j Job[T]) Wait(ctx context.Context) (T, error) {
	value, err := j.Get(ctx)
	if errors.Is(err, operation.ErrAbandoned) {
		j.Cancel()
	}
	return value, err
}

// Jobs submits leaf operations for one session.
type Jobs struct {
	registry  *operation.Registry
	requester operation.Requester
}

// New creates a jobs client bound to a session's registry and engine requester.
func New(registry *operation.Registry, requester operation.Requester) *Jobs {
	return &Jobs{
		registry:  registry,
		requester: requester,
	}
}

type validator interface {
	Validate() error
}

func submit[T any](ctx context.Context, j *Jobs, method string, params any, decode func([]byte) (T, error)) Job[T] {
	spec := operation.NewSpec(j.requester, method, params, decode)
	if v, ok := params.(validator); ok {
		spec.Validate = v.Validate
	}
	_, fut := operation.Submit(ctx, j.registry, spec)
	return Job[T]{Future: fut, registry: j.registry}
}

// CancelTest runs the engine's cancellation self-test. The engine adds a and
// b after a delay, so the job is long enough to be cancelled.
func (j *Jobs) CancelTest(ctx context.Context, a, b int64) Job[int64] {
	return submit(ctx, j, MethodCancelTest, CancelTestParams{A: a, B: b}, codec.Int64)
}

// ListContent scans folders on the engine host.
func (j *Jobs) ListContent(ctx context.Context, p ListContentParams) Job[codec.FoldersScanningResult] {
	return submit(ctx, j, MethodListContent, p, codec.FoldersScanning)
}

// IsFileBinary reports whether the file looks like binary data.
func (j *Jobs) IsFileBinary(ctx context.Context, path string) Job[bool] {
	return submit(ctx, j, MethodIsFileBinary, PathParams{Path: path}, codec.Bool)
}

// SpawnProcess starts a detached process on the engine host.
func (j *Jobs) SpawnProcess(ctx context.Context, path string, args []string) Job[struct{}] {
	return submit(ctx, j, MethodSpawnProcess, SpawnProcessParams{Path: path, Args: args}, codec.Void)
}

// GetFileChecksum returns the hex SHA-256 of a file.
func (j *Jobs) GetFileChecksum(ctx context.Context, path string) Job[string] {
	return submit(ctx, j, MethodGetFileChecksum, PathParams{Path: path}, codec.String)
}

// GetDltStats collects id and level statistics over paths.
func (j *Jobs) GetDltStats(ctx context.Context, paths []string) Job[codec.DltStatisticInfo] {
	return submit(ctx, j, MethodGetDltStats, PathsParams{Paths: paths}, codec.DltStatistic)
}

// GetSomeipStatistic collects service and message counts over paths.
func (j *Jobs) GetSomeipStatistic(ctx context.Context, paths []string) Job[codec.SomeipStatistic] {
	return submit(ctx, j, MethodGetSomeipStatistic, PathsParams{Paths: paths}, codec.SomeipStatistics)
}

// GetShellProfiles lists the shells available on the engine host.
func (j *Jobs) GetShellProfiles(ctx context.Context) Job[[]codec.Profile] {
	return submit(ctx, j, MethodGetShellProfiles, nil, codec.Profiles)
}

// GetContextEnvvars returns the engine's environment.
func (j *Jobs) GetContextEnvvars(ctx context.Context) Job[map[string]string] {
	return submit(ctx, j, MethodGetContextEnvvars, nil, codec.MapKeyValue)
}

// GetSerialPortsList lists the serial ports visible to the engine.
func (j *Jobs) GetSerialPortsList(ctx context.Context) Job[[]string] {
	return submit(ctx, j, MethodGetSerialPortsList, nil, codec.StringList)
}

// GetRegexError checks a filter. The result is nil when the filter is valid,
// otherwise the compile error text.
func (j *Jobs) GetRegexError(ctx context.Context, filter FilterParams) Job[*string] {
	return submit(ctx, j, MethodGetRegexError, filter, codec.OptionString)
}

// Sleep parks an engine worker; used to exercise cancellation.
func (j *Jobs) Sleep(ctx context.Context, ms uint64) Job[struct{}] {
	return submit(ctx, j, MethodSleep, SleepParams{Ms: ms}, codec.Void)
}

// InstalledPluginsList lists plugins that loaded successfully.
func (j *Jobs) InstalledPluginsList(ctx context.Context) Job[[]codec.PluginEntity] {
	return submit(ctx, j, MethodInstalledPluginsList, nil, codec.Plugins)
}

// InvalidPluginsList lists plugin directories that failed to load.
func (j *Jobs) InvalidPluginsList(ctx context.Context) Job[[]codec.InvalidPluginEntity] {
	return submit(ctx, j, MethodInvalidPluginsList, nil, codec.InvalidPlugins)
}

// InstalledPluginsPaths lists the directories of installed plugins.
func (j *Jobs) InstalledPluginsPaths(ctx context.Context) Job[[]string] {
	return submit(ctx, j, MethodInstalledPluginsPaths, nil, codec.StringList)
}

// InvalidPluginsPaths lists the directories of invalid plugins.
func (j *Jobs) InvalidPluginsPaths(ctx context.Context) Job[[]string] {
	return submit(ctx, j, MethodInvalidPluginsPaths, nil, codec.StringList)
}

// InstalledPluginsInfo returns the installed plugin at path, or nil.
func (j *Jobs) InstalledPluginsInfo(ctx context.Context, path string) Job[*codec.PluginEntity] {
	return submit(ctx, j, MethodInstalledPluginsInfo, PathParams{Path: path}, codec.OptionPlugin)
}

// InvalidPluginsInfo returns the invalid plugin at path, or nil.
func (j *Jobs) InvalidPluginsInfo(ctx context.Context, path string) Job[*codec.InvalidPluginEntity] {
	return submit(ctx, j, MethodInvalidPluginsInfo, PathParams{Path: path}, codec.OptionInvalidPlugin)
}

// GetPluginRunData returns the load log of the plugin at path, or nil.
func (j *Jobs) GetPluginRunData(ctx context.Context, path string) Job[*codec.PluginRunData] {
	return submit(ctx, j, MethodGetPluginRunData, PathParams{Path: path}, codec.OptionPluginRunData)
}

// ReloadPlugins rescans the plugin directory.
func (j *Jobs) ReloadPlugins(ctx context.Context) Job[struct{}] {
	return submit(ctx, j, MethodReloadPlugins, nil, codec.Void)
}

// AddPlugin installs the plugin found at path.
func (j *Jobs) AddPlugin(ctx context.Context, path string) Job[struct{}] {
	return submit(ctx, j, MethodAddPlugin, PathParams{Path: path}, codec.Void)
}

// RemovePlugin uninstalls the plugin at path.
func (j *Jobs) RemovePlugin(ctx context.Context, path string) Job[struct{}] {
	return submit(ctx, j, MethodRemovePlugin, PathParams{Path: path}, codec.Void)
}
