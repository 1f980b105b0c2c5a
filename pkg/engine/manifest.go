package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var (
	// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

	// semverRegex validates semver version format
	semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

	// ErrNoManifest is returned for directories without a manifest file.
	ErrNoManifest = errors.New("no plugin manifest found")
)

// manifestFiles are tried in order.
var manifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// ManifestSchema is the JSON Schema every plugin manifest must satisfy.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "main", "type"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string",
      "pattern": "^\\d+\\.\\d+\\.\\d+$"
    },
    "main": {
      "type": "string",
      "minLength": 1
    },
    "type": {
      "type": "string",
      "enum": ["parser", "bytesource"]
    },
    "title": {
      "type": "string"
    },
    "description": {
      "type": "string"
    }
  }
}`

// PluginManifest describes a plugin directory.
type PluginManifest struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Main        string `json:"main" yaml:"main"`
	Type        string `json:"type" yaml:"type"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Entity converts the manifest of the plugin at dir.
func (m *PluginManifest) Entity(dir string) codec.PluginEntity {
	title := m.Title
	if title == "" {
		title = m.Name
	}
	return codec.PluginEntity{
		DirPath:    dir,
		PluginType: codec.PluginType(m.Type),
		Info: codec.PluginInfo{
			ID:      m.ID,
			Name:    m.Name,
			Version: m.Version,
			Main:    m.Main,
		},
		Metadata: codec.PluginMetadata{
			Title:       title,
			Description: m.Description,
		},
	}
}

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	fs           afero.Fs
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(fs afero.Fs, logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		fs:           fs,
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// Load finds, parses and validates the manifest of the plugin in dir.
func (m *ManifestLoader) Load(dir string) (*PluginManifest, error) {
	for _, name := range manifestFiles {
		path := filepath.Join(dir, name)
		data, err := afero.ReadFile(m.fs, path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
		return m.Parse(name, data)
	}
	return nil, ErrNoManifest
}

// Parse validates a manifest document. YAML documents are converted to JSON
// before schema validation.
func (m *ManifestLoader) Parse(name string, data []byte) (*PluginManifest, error) {
	if ext := strings.ToLower(filepath.Ext(name)); ext == ".yaml" || ext == ".yml" {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert manifest YAML: %w", err)
		}
		data = converted
	}

	var manifest PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := m.validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

// validateSchema validates the manifest against the JSON schema
func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func validateManifest(manifest *PluginManifest) error {
	if !pluginIDRegex.MatchString(manifest.ID) {
		return fmt.Errorf("invalid plugin ID format: %s (must be lowercase alphanumeric with hyphens)", manifest.ID)
	}
	if !semverRegex.MatchString(manifest.Version) {
		return fmt.Errorf("invalid version format: %s (must be semver: X.Y.Z)", manifest.Version)
	}
	if filepath.IsAbs(manifest.Main) || strings.Contains(manifest.Main, "..") {
		return fmt.Errorf("main entry point must be a relative path inside the plugin: %s", manifest.Main)
	}
	return nil
}
