package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const defaultWatchDebounce = 500 * time.Millisecond

// PluginManager tracks the plugin directories below one root.
type PluginManager struct {
	fs     afero.Fs
	dir    string
	loader *ManifestLoader
	logger zerolog.Logger

	mu        sync.RWMutex
	installed map[string]codec.PluginEntity
	invalid   map[string]codec.InvalidPluginEntity
	runData   map[string]codec.PluginRunData

	reloadMu sync.Mutex

	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	timerMu  sync.Mutex
	cron     *cron.Cron
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPluginManager creates a manager for the plugins below dir.
func NewPluginManager(fs afero.Fs, dir string, logger zerolog.Logger) *PluginManager {
	logger = logger.With().Str("component", "plugin-manager").Logger()
	return &PluginManager{
		fs:        fs,
		dir:       filepath.Clean(dir),
		loader:    NewManifestLoader(fs, logger),
		logger:    logger,
		installed: make(map[string]codec.PluginEntity),
		invalid:   make(map[string]codec.InvalidPluginEntity),
		runData:   make(map[string]codec.PluginRunData),
		debounce:  defaultWatchDebounce,
		stopCh:    make(chan struct{}),
	}
}

// Dir returns the plugins root.
func (pm *PluginManager) Dir() string {
	return pm.dir
}

// Start schedules periodic rescans with a cron spec such as "@every 5m" and,
// when watch is set, reloads after changes below the plugins root. An empty
// spec disables the rescan.
func (pm *PluginManager) Start(spec string, watch bool) error {
	if spec != "" {
		c := cron.New()
		if _, err := c.AddFunc(spec, func() {
			if err := pm.Reload(context.Background()); err != nil {
				pm.logger.Error().Err(err).Msg("Scheduled plugin rescan failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
		}
		c.Start()
		pm.cron = c
	}

	if watch {
		if err := pm.fs.MkdirAll(pm.dir, 0o755); err != nil {
			return fmt.Errorf("failed to create plugins dir: %w", err)
		}
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.Add(pm.dir); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %s: %w", pm.dir, err)
		}
		pm.watcher = w
		go pm.watch()
	}
	return nil
}

// Stop ends the rescan schedule and the watcher.
func (pm *PluginManager) Stop() {
	pm.stopOnce.Do(func() {
		close(pm.stopCh)
		if pm.cron != nil {
			<-pm.cron.Stop().Done()
		}
		if pm.watcher != nil {
			pm.watcher.Close()
		}
		pm.timerMu.Lock()
		if pm.timer != nil {
			pm.timer.Stop()
		}
		pm.timerMu.Unlock()
	})
}

func (pm *PluginManager) watch() {
	for {
		select {
		case event, ok := <-pm.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pm.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Plugin change detected")
				pm.scheduleReload()
			}

		case err, ok := <-pm.watcher.Errors:
			if !ok {
				return
			}
			pm.logger.Error().Err(err).Msg("Plugin watcher error")

		case <-pm.stopCh:
			return
		}
	}
}

func (pm *PluginManager) scheduleReload() {
	pm.timerMu.Lock()
	defer pm.timerMu.Unlock()

	if pm.timer != nil {
		pm.timer.Stop()
	}
	pm.timer = time.AfterFunc(pm.debounce, func() {
		if err := pm.Reload(context.Background()); err != nil {
			pm.logger.Error().Err(err).Msg("Plugin reload after change failed")
		}
	})
}

// Reload rescans the plugins root and replaces the known plugin sets.
func (pm *PluginManager) Reload(ctx context.Context) error {
	pm.reloadMu.Lock()
	defer pm.reloadMu.Unlock()

	installed := make(map[string]codec.PluginEntity)
	invalid := make(map[string]codec.InvalidPluginEntity)
	runData := make(map[string]codec.PluginRunData)

	entries, err := afero.ReadDir(pm.fs, pm.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read plugins dir: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(pm.dir, entry.Name())
		plugin, bad, data := pm.inspect(path)
		runData[path] = data
		if bad != nil {
			invalid[path] = *bad
			continue
		}
		installed[path] = plugin
	}

	pm.mu.Lock()
	pm.installed = installed
	pm.invalid = invalid
	pm.runData = runData
	pm.mu.Unlock()

	observability.SetEnginePlugins(len(installed), len(invalid))
	pm.logger.Info().
		Int("installed", len(installed)).
		Int("invalid", len(invalid)).
		Msg("Plugins reloaded")
	return nil
}

// inspect loads one plugin directory. Exactly one of the entity results is
// meaningful: bad is nil when the plugin is valid.
func (pm *PluginManager) inspect(path string) (codec.PluginEntity, *codec.InvalidPluginEntity, codec.PluginRunData) {
	var data codec.PluginRunData
	logf := func(level codec.PluginLogLevel, format string, args ...any) {
		data.Logs = append(data.Logs, codec.PluginLogMessage{
			Level:       level,
			TimestampMs: time.Now().UnixMilli(),
			Msg:         fmt.Sprintf(format, args...),
		})
	}

	manifest, err := pm.loader.Load(path)
	if err != nil {
		logf(codec.PluginLogErr, "%v", err)
		pm.logger.Warn().Err(err).Str("path", path).Msg("Invalid plugin")
		return codec.PluginEntity{}, &codec.InvalidPluginEntity{
			DirPath:    path,
			PluginType: pm.peekType(path),
			Reason:     err.Error(),
		}, data
	}
	logf(codec.PluginLogInfo, "loaded manifest %s@%s", manifest.ID, manifest.Version)

	if _, err := pm.fs.Stat(filepath.Join(path, manifest.Main)); err != nil {
		reason := fmt.Sprintf("entry point %s not found", manifest.Main)
		logf(codec.PluginLogErr, "%s", reason)
		return codec.PluginEntity{}, &codec.InvalidPluginEntity{
			DirPath:    path,
			PluginType: codec.PluginType(manifest.Type),
			Reason:     reason,
		}, data
	}

	if manifest.Description == "" {
		logf(codec.PluginLogWarn, "manifest has no description")
	}
	return manifest.Entity(path), nil, data
}

// peekType reads the type field of a manifest that failed validation.
func (pm *PluginManager) peekType(path string) codec.PluginType {
	var doc struct {
		Type string `json:"type" yaml:"type"`
	}
	for _, name := range manifestFiles {
		raw, err := afero.ReadFile(pm.fs, filepath.Join(path, name))
		if err != nil {
			continue
		}
		if strings.HasSuffix(name, ".json") {
			_ = json.Unmarshal(raw, &doc)
		} else {
			_ = yaml.Unmarshal(raw, &doc)
		}
		break
	}
	switch t := codec.PluginType(doc.Type); t {
	case codec.PluginParser, codec.PluginByteSource:
		return t
	}
	return ""
}

// Installed lists valid plugins ordered by directory.
func (pm *PluginManager) Installed() []codec.PluginEntity {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]codec.PluginEntity, 0, len(pm.installed))
	for _, p := range pm.installed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirPath < out[j].DirPath })
	return out
}

// Invalid lists plugins that failed to load ordered by directory.
func (pm *PluginManager) Invalid() []codec.InvalidPluginEntity {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]codec.InvalidPluginEntity, 0, len(pm.invalid))
	for _, p := range pm.invalid {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirPath < out[j].DirPath })
	return out
}

// InstalledPaths lists the directories of valid plugins.
func (pm *PluginManager) InstalledPaths() []string {
	plugins := pm.Installed()
	paths := make([]string, len(plugins))
	for i, p := range plugins {
		paths[i] = p.DirPath
	}
	return paths
}

// InvalidPaths lists the directories of invalid plugins.
func (pm *PluginManager) InvalidPaths() []string {
	plugins := pm.Invalid()
	paths := make([]string, len(plugins))
	for i, p := range plugins {
		paths[i] = p.DirPath
	}
	return paths
}

func (pm *PluginManager) InstalledInfo(path string) (codec.PluginEntity, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.installed[filepath.Clean(path)]
	return p, ok
}

func (pm *PluginManager) InvalidInfo(path string) (codec.InvalidPluginEntity, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.invalid[filepath.Clean(path)]
	return p, ok
}

// RunData returns the load log of the plugin at path.
func (pm *PluginManager) RunData(path string) (codec.PluginRunData, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	d, ok := pm.runData[filepath.Clean(path)]
	return d, ok
}

// Add copies the plugin directory src into the plugins root under its ID.
func (pm *PluginManager) Add(ctx context.Context, src string) error {
	src = filepath.Clean(src)
	manifest, err := pm.loader.Load(src)
	if err != nil {
		return fmt.Errorf("cannot add plugin from %s: %w", src, err)
	}

	dst := filepath.Join(pm.dir, manifest.ID)
	if _, err := pm.fs.Stat(dst); err == nil {
		return fmt.Errorf("plugin %s is already installed", manifest.ID)
	}

	if err := pm.copyDir(ctx, src, dst); err != nil {
		_ = pm.fs.RemoveAll(dst)
		return fmt.Errorf("failed to copy plugin %s: %w", manifest.ID, err)
	}

	pm.logger.Info().Str("id", manifest.ID).Str("path", dst).Msg("Plugin added")
	return pm.Reload(ctx)
}

func (pm *PluginManager) copyDir(ctx context.Context, src, dst string) error {
	return afero.Walk(pm.fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return pm.fs.MkdirAll(target, 0o755)
		}
		return pm.copyFile(path, target, info.Mode())
	})
}

func (pm *PluginManager) copyFile(src, dst string, mode os.FileMode) error {
	in, err := pm.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := pm.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Remove deletes a plugin directory. Only directories directly below the
// plugins root can be removed.
func (pm *PluginManager) Remove(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	if filepath.Dir(path) != pm.dir {
		return fmt.Errorf("%s is not a plugin directory", path)
	}
	info, err := pm.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("plugin %s not found: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a plugin directory", path)
	}
	if err := pm.fs.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove plugin: %w", err)
	}

	pm.logger.Info().Str("path", path).Msg("Plugin removed")
	return pm.Reload(ctx)
}
