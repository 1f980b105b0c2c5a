package engine

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/codec"
	"github.com/harun/logdeck/pkg/jobs"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	binaryProbeSize   = 8 * 1024
	cancelTestDelay   = 200 * time.Millisecond
	statsConcurrency  = 4
	shellsFile        = "/etc/shells"
	checksumChunkSize = 64 * 1024
)

var serialPortPatterns = []string{"/dev/ttyS*", "/dev/ttyUSB*", "/dev/ttyACM*", "/dev/cu.*"}

var (
	someipServiceRegex = regexp.MustCompile(`(?i)service[=: ]+(0x[0-9a-f]+)`)
	someipMethodRegex  = regexp.MustCompile(`(?i)method[=: ]+(0x[0-9a-f]+)`)
)

// ProcessStarter launches a detached process and returns its pid.
type ProcessStarter func(path string, args []string) (int, error)

func startProcess(path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// jobService serves the jobs.* and plugins.* methods.
type jobService struct {
	fs      afero.Fs
	plugins *PluginManager
	spawn   ProcessStarter
	environ func() []string
	logger  zerolog.Logger
}

func (s *jobService) register(m *Methods) error {
	handlers := map[string]Handler{
		jobs.MethodCancelTest:            s.handleCancelTest,
		jobs.MethodListContent:           s.handleListContent,
		jobs.MethodIsFileBinary:          s.handleIsFileBinary,
		jobs.MethodSpawnProcess:          s.handleSpawnProcess,
		jobs.MethodGetFileChecksum:       s.handleFileChecksum,
		jobs.MethodGetDltStats:           s.handleDltStats,
		jobs.MethodGetSomeipStatistic:    s.handleSomeipStatistic,
		jobs.MethodGetShellProfiles:      s.handleShellProfiles,
		jobs.MethodGetContextEnvvars:     s.handleContextEnvvars,
		jobs.MethodGetSerialPortsList:    s.handleSerialPorts,
		jobs.MethodGetRegexError:         s.handleRegexError,
		jobs.MethodSleep:                 s.handleSleep,
		jobs.MethodInstalledPluginsList:  s.handleInstalledPlugins,
		jobs.MethodInvalidPluginsList:    s.handleInvalidPlugins,
		jobs.MethodInstalledPluginsPaths: s.handleInstalledPluginsPaths,
		jobs.MethodInvalidPluginsPaths:   s.handleInvalidPluginsPaths,
		jobs.MethodInstalledPluginsInfo:  s.handleInstalledPluginInfo,
		jobs.MethodInvalidPluginsInfo:    s.handleInvalidPluginInfo,
		jobs.MethodGetPluginRunData:      s.handlePluginRunData,
		jobs.MethodReloadPlugins:         s.handleReloadPlugins,
		jobs.MethodAddPlugin:             s.handleAddPlugin,
		jobs.MethodRemovePlugin:          s.handleRemovePlugin,
	}
	for name, h := range handlers {
		if err := m.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *jobService) handleCancelTest(ctx context.Context, call *Call) (any, error) {
	var p jobs.CancelTestParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cancelTestDelay):
		return p.A + p.B, nil
	}
}

func (s *jobService) handleSleep(ctx context.Context, call *Call) (any, error) {
	var p jobs.SleepParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (s *jobService) handleListContent(ctx context.Context, call *Call) (any, error) {
	var p jobs.ListContentParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	result := codec.FoldersScanningResult{List: []codec.FolderEntity{}}
	errMaxReached := errors.New("max reached")
	limit := p.Depth
	if limit < 1 {
		limit = 1
	}

	for _, root := range p.Paths {
		root = filepath.Clean(root)
		rootDepth := strings.Count(root, string(filepath.Separator))

		err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				s.logger.Debug().Err(err).Str("path", path).Msg("Skipping unreadable entry")
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if path == root {
				return nil
			}

			depth := strings.Count(path, string(filepath.Separator)) - rootDepth
			if root == string(filepath.Separator) {
				depth++
			}
			if depth > limit {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			kind := codec.EntityFile
			if info.IsDir() {
				kind = codec.EntityFolder
			}
			atLimit := info.IsDir() && depth >= limit
			if (kind == codec.EntityFile && !p.IncludeFiles) || (kind == codec.EntityFolder && !p.IncludeFolders) {
				if atLimit {
					return filepath.SkipDir
				}
				return nil
			}
			if len(result.List) >= p.Max {
				result.MaxReached = true
				return errMaxReached
			}

			entity := codec.FolderEntity{
				Name:     info.Name(),
				FullName: path,
				Kind:     kind,
				Depth:    depth,
			}
			if kind == codec.EntityFile {
				entity.Size = info.Size()
				entity.Ext = strings.TrimPrefix(filepath.Ext(path), ".")
			}
			result.List = append(result.List, entity)

			if atLimit {
				return filepath.SkipDir
			}
			return nil
		})
		if errors.Is(err, errMaxReached) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *jobService) handleIsFileBinary(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.Path, err)
	}
	defer f.Close()

	buf := make([]byte, binaryProbeSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read %s: %w", p.Path, err)
	}
	return looksBinary(buf[:n]), nil
}

// looksBinary reports whether data contains NUL bytes or more than 30% of
// its runes are invalid UTF-8 or control characters.
func looksBinary(data []byte) bool {
	total, invalid := 0, 0
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		switch {
		case r == 0:
			return true
		case r == utf8.RuneError && size == 1:
			invalid++
		case r < 0x20 && r != '\n' && r != '\r' && r != '\t' && r != '\f' && r != 0x1b:
			invalid++
		}
		total++
		data = data[size:]
	}
	return total > 0 && invalid*100 > total*30
}

func (s *jobService) handleSpawnProcess(ctx context.Context, call *Call) (any, error) {
	var p jobs.SpawnProcessParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	md := map[string]interface{}{"args": p.Args}
	pid, err := s.spawn(p.Path, p.Args)
	if err != nil {
		md["error"] = err.Error()
		observability.RecordProcessAudit(ctx, call.Session, p.Path, "failed", md)
		return nil, fmt.Errorf("failed to spawn %s: %w", p.Path, err)
	}

	md["pid"] = pid
	observability.RecordProcessAudit(ctx, call.Session, p.Path, "started", md)
	s.logger.Info().Str("sessionKey", call.Session).Str("path", p.Path).Int("pid", pid).Msg("Process spawned")
	return nil, nil
}

func (s *jobService) handleFileChecksum(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return s.checksum(ctx, p.Path)
}

func (s *jobService) checksum(ctx context.Context, path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		h.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// forEachLine runs fn over the lines of every path, fanning out across files.
func (s *jobService) forEachLine(ctx context.Context, paths []string, fn func(path, line string)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			f, err := s.fs.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			defer f.Close()

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				if err := gctx.Err(); err != nil {
					return err
				}
				fn(path, scanner.Text())
			}
			return scanner.Err()
		})
	}
	return g.Wait()
}

func (s *jobService) handleDltStats(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathsParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	levels := make(map[string]*codec.LevelDistribution, len(p.Paths))
	for _, path := range p.Paths {
		levels[path] = &codec.LevelDistribution{}
	}

	err := s.forEachLine(ctx, p.Paths, func(path, line string) {
		mu.Lock()
		countLevel(levels[path], line)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	info := codec.DltStatisticInfo{
		AppIDs:     make([]codec.IDStatistic, 0, len(p.Paths)),
		ContextIDs: []codec.IDStatistic{},
		EcuIDs:     []codec.IDStatistic{},
	}
	for _, path := range p.Paths {
		info.AppIDs = append(info.AppIDs, codec.IDStatistic{ID: filepath.Base(path), Levels: *levels[path]})
	}
	return info, nil
}

func countLevel(d *codec.LevelDistribution, line string) {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "FATAL"):
		d.Fatal++
	case strings.Contains(upper, "ERROR"):
		d.Error++
	case strings.Contains(upper, "WARN"):
		d.Warn++
	case strings.Contains(upper, "INFO"):
		d.Info++
	case strings.Contains(upper, "DEBUG"):
		d.Debug++
	case strings.Contains(upper, "VERBOSE"), strings.Contains(upper, "TRACE"):
		d.Verbose++
	default:
		d.Invalid++
	}
}

func (s *jobService) handleSomeipStatistic(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathsParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	stats := codec.SomeipStatistic{Services: map[string]int{}, Messages: map[string]int{}}
	err := s.forEachLine(ctx, p.Paths, func(_, line string) {
		service := someipServiceRegex.FindStringSubmatch(line)
		method := someipMethodRegex.FindStringSubmatch(line)
		if service == nil && method == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if service != nil {
			stats.Services[strings.ToLower(service[1])]++
		}
		if method != nil {
			stats.Messages[strings.ToLower(method[1])]++
		}
	})
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	return string(doc), nil
}

func (s *jobService) handleShellProfiles(ctx context.Context, call *Call) (any, error) {
	data, err := afero.ReadFile(s.fs, shellsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []codec.Profile{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", shellsFile, err)
	}

	seen := make(map[string]bool)
	profiles := []codec.Profile{}
	for _, line := range strings.Split(string(data), "\n") {
		path := strings.TrimSpace(line)
		if path == "" || strings.HasPrefix(path, "#") || seen[path] {
			continue
		}
		seen[path] = true

		profile := codec.Profile{Name: filepath.Base(path), Path: path}
		if lst, ok := s.fs.(afero.Lstater); ok {
			info, _, err := lst.LstatIfPossible(path)
			if err != nil {
				continue
			}
			profile.Symlink = info.Mode()&os.ModeSymlink != 0
		} else if _, err := s.fs.Stat(path); err != nil {
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (s *jobService) handleContextEnvvars(ctx context.Context, call *Call) (any, error) {
	envvars := make(map[string]string)
	for _, kv := range s.environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		envvars[key] = value
	}
	return envvars, nil
}

func (s *jobService) handleSerialPorts(ctx context.Context, call *Call) (any, error) {
	ports := []string{}
	for _, pattern := range serialPortPatterns {
		matches, err := afero.Glob(s.fs, pattern)
		if err != nil {
			return nil, err
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports, nil
}

func (s *jobService) handleRegexError(ctx context.Context, call *Call) (any, error) {
	var p jobs.FilterParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	if _, err := regexp.Compile(filterPattern(p)); err != nil {
		msg := err.Error()
		return &msg, nil
	}
	return nil, nil
}

// filterPattern renders a search filter as a regular expression.
func filterPattern(f jobs.FilterParams) string {
	pattern := f.Value
	if !f.IsRegex {
		pattern = regexp.QuoteMeta(pattern)
	}
	if f.IsWord {
		pattern = `\b` + pattern + `\b`
	}
	if f.IgnoreCase {
		pattern = `(?i)` + pattern
	}
	return pattern
}

func (s *jobService) handleInstalledPlugins(ctx context.Context, call *Call) (any, error) {
	return s.plugins.Installed(), nil
}

func (s *jobService) handleInvalidPlugins(ctx context.Context, call *Call) (any, error) {
	return s.plugins.Invalid(), nil
}

func (s *jobService) handleInstalledPluginsPaths(ctx context.Context, call *Call) (any, error) {
	return s.plugins.InstalledPaths(), nil
}

func (s *jobService) handleInvalidPluginsPaths(ctx context.Context, call *Call) (any, error) {
	return s.plugins.InvalidPaths(), nil
}

func (s *jobService) handleInstalledPluginInfo(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if plugin, ok := s.plugins.InstalledInfo(p.Path); ok {
		return plugin, nil
	}
	return nil, nil
}

func (s *jobService) handleInvalidPluginInfo(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if plugin, ok := s.plugins.InvalidInfo(p.Path); ok {
		return plugin, nil
	}
	return nil, nil
}

func (s *jobService) handlePluginRunData(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if data, ok := s.plugins.RunData(p.Path); ok {
		return data, nil
	}
	return nil, nil
}

func (s *jobService) handleReloadPlugins(ctx context.Context, call *Call) (any, error) {
	return nil, s.plugins.Reload(ctx)
}

func (s *jobService) handleAddPlugin(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if err := s.plugins.Add(ctx, p.Path); err != nil {
		observability.RecordPluginAudit(ctx, "add", call.Session, "failed", map[string]interface{}{"path": p.Path, "error": err.Error()})
		return nil, err
	}
	observability.RecordPluginAudit(ctx, "add", call.Session, "success", map[string]interface{}{"path": p.Path})
	return nil, nil
}

func (s *jobService) handleRemovePlugin(ctx context.Context, call *Call) (any, error) {
	var p jobs.PathParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if err := s.plugins.Remove(ctx, p.Path); err != nil {
		observability.RecordPluginAudit(ctx, "remove", call.Session, "failed", map[string]interface{}{"path": p.Path, "error": err.Error()})
		return nil, err
	}
	observability.RecordPluginAudit(ctx, "remove", call.Session, "success", map[string]interface{}{"path": p.Path})
	return nil, nil
}
