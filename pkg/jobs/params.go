package jobs

import (
	"strings"

	"github.com/harun/logdeck/pkg/operation"
)

// Engine method names served by the jobs endpoint.
const (
	MethodCancelTest            = "jobs.cancelTest"
	MethodListContent           = "jobs.listContent"
	MethodIsFileBinary          = "jobs.isFileBinary"
	MethodSpawnProcess          = "jobs.spawnProcess"
	MethodGetFileChecksum       = "jobs.getFileChecksum"
	MethodGetDltStats           = "jobs.getDltStats"
	MethodGetSomeipStatistic    = "jobs.getSomeipStatistic"
	MethodGetShellProfiles      = "jobs.getShellProfiles"
	MethodGetContextEnvvars     = "jobs.getContextEnvvars"
	MethodGetSerialPortsList    = "jobs.getSerialPortsList"
	MethodGetRegexError         = "jobs.getRegexError"
	MethodSleep                 = "jobs.sleep"
	MethodInstalledPluginsList  = "plugins.installedList"
	MethodInvalidPluginsList    = "plugins.invalidList"
	MethodInstalledPluginsPaths = "plugins.installedPaths"
	MethodInvalidPluginsPaths   = "plugins.invalidPaths"
	MethodInstalledPluginsInfo  = "plugins.installedInfo"
	MethodInvalidPluginsInfo    = "plugins.invalidInfo"
	MethodGetPluginRunData      = "plugins.runData"
	MethodReloadPlugins         = "plugins.reload"
	MethodAddPlugin             = "plugins.add"
	MethodRemovePlugin          = "plugins.remove"
)

// MaxSleepMs caps the sleep job so a stray request cannot pin a lane forever.
const MaxSleepMs = 60 * 60 * 1000

// CancelTestParams feeds the engine's cancellation self-test.
type CancelTestParams struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// ListContentParams controls a folder scan.
type ListContentParams struct {
	Depth          int      `json:"depth"`
	Max            int      `json:"max"`
	Paths          []string `json:"paths"`
	IncludeFiles   bool     `json:"includeFiles"`
	IncludeFolders bool     `json:"includeFolders"`
}

func (p ListContentParams) Validate() error {
	if len(p.Paths) == 0 {
		return &operation.ValidationError{Field: "paths", Reason: "at least one path is required"}
	}
	if err := validatePaths(p.Paths); err != nil {
		return err
	}
	if p.Depth < 0 {
		return &operation.ValidationError{Field: "depth", Reason: "must not be negative"}
	}
	if p.Max <= 0 {
		return &operation.ValidationError{Field: "max", Reason: "must be greater than zero"}
	}
	if !p.IncludeFiles && !p.IncludeFolders {
		return &operation.ValidationError{Field: "include", Reason: "files or folders must be included"}
	}
	return nil
}

// PathParams addresses a single file or plugin directory.
type PathParams struct {
	Path string `json:"path"`
}

func (p PathParams) Validate() error {
	return validatePath("path", p.Path)
}

// PathsParams addresses a set of files.
type PathsParams struct {
	Paths []string `json:"paths"`
}

func (p PathsParams) Validate() error {
	if len(p.Paths) == 0 {
		return &operation.ValidationError{Field: "paths", Reason: "at least one path is required"}
	}
	return validatePaths(p.Paths)
}

// SpawnProcessParams starts a detached process on the engine host.
type SpawnProcessParams struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

func (p SpawnProcessParams) Validate() error {
	return validatePath("path", p.Path)
}

// FilterParams describes a search filter to be checked by the engine.
type FilterParams struct {
	Value      string `json:"value"`
	IsRegex    bool   `json:"isRegex"`
	IgnoreCase bool   `json:"ignoreCase"`
	IsWord     bool   `json:"isWord"`
}

func (p FilterParams) Validate() error {
	if p.Value == "" {
		return &operation.ValidationError{Field: "value", Reason: "filter must not be empty"}
	}
	return nil
}

// SleepParams parks an engine worker for Ms milliseconds.
type SleepParams struct {
	Ms uint64 `json:"ms"`
}

func (p SleepParams) Validate() error {
	if p.Ms > MaxSleepMs {
		return &operation.ValidationError{Field: "ms", Reason: "sleep is too long"}
	}
	return nil
}

func validatePath(field, path string) error {
	if strings.TrimSpace(path) == "" {
		return &operation.ValidationError{Field: field, Reason: "must not be empty"}
	}
	if strings.ContainsRune(path, '\x00') {
		return &operation.ValidationError{Field: field, Reason: "contains NUL byte"}
	}
	return nil
}

func validatePaths(paths []string) error {
	for _, path := range paths {
		if err := validatePath("paths", path); err != nil {
			return err
		}
	}
	return nil
}
