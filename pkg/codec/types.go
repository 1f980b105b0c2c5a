package codec

// Nature is a bit-set describing why a row is shown.
type Nature uint8

const (
	NatureSearch Nature = 1 << iota
	NatureBookmark
	NatureExported
	NatureMarker
	NatureError
	NatureBreadcrumb
)

// Has reports whether every bit of flag is set.
func (n Nature) Has(flag Nature) bool {
	return n&flag == flag
}

// Row is one line of the log stream. Rows are immutable once received.
type Row struct {
	Position uint64 `msgpack:"pos" json:"pos"`
	Content  string `msgpack:"content" json:"content"`
	SourceID uint16 `msgpack:"source_id" json:"sourceId"`
	Nature   Nature `msgpack:"nature" json:"nature"`
}

// ValuePoint is one downsampled sample of a numeric series extracted from the stream.
type ValuePoint struct {
	Position uint64  `msgpack:"pos" json:"pos"`
	Min      float64 `msgpack:"min" json:"min"`
	Max      float64 `msgpack:"max" json:"max"`
	Value    float64 `msgpack:"value" json:"value"`
}

// SearchValues maps a filter index to its series.
type SearchValues map[uint8][]ValuePoint

type EntityKind string

const (
	EntityFile   EntityKind = "file"
	EntityFolder EntityKind = "folder"
)

// FolderEntity is one item found by a folder scan.
type FolderEntity struct {
	Name     string     `msgpack:"name" json:"name"`
	FullName string     `msgpack:"fullname" json:"fullname"`
	Kind     EntityKind `msgpack:"kind" json:"kind"`
	Depth    int        `msgpack:"depth" json:"depth"`
	Size     int64      `msgpack:"size" json:"size"`
	Ext      string     `msgpack:"ext" json:"ext"`
}

type FoldersScanningResult struct {
	List       []FolderEntity `msgpack:"list" json:"list"`
	MaxReached bool           `msgpack:"max_reached" json:"maxReached"`
}

// Profile is a shell the engine can spawn commands with.
type Profile struct {
	Name    string            `msgpack:"name" json:"name"`
	Path    string            `msgpack:"path" json:"path"`
	Envvars map[string]string `msgpack:"envvars" json:"envvars,omitempty"`
	Symlink bool              `msgpack:"symlink" json:"symlink"`
}

// LevelDistribution counts messages per log level.
type LevelDistribution struct {
	Fatal   int `msgpack:"fatal" json:"fatal"`
	Error   int `msgpack:"error" json:"error"`
	Warn    int `msgpack:"warn" json:"warn"`
	Info    int `msgpack:"info" json:"info"`
	Debug   int `msgpack:"debug" json:"debug"`
	Verbose int `msgpack:"verbose" json:"verbose"`
	Invalid int `msgpack:"invalid" json:"invalid"`
}

// Total returns the sum over all levels.
func (d LevelDistribution) Total() int {
	return d.Fatal + d.Error + d.Warn + d.Info + d.Debug + d.Verbose + d.Invalid
}

type IDStatistic struct {
	ID     string            `msgpack:"id" json:"id"`
	Levels LevelDistribution `msgpack:"levels" json:"levels"`
}

// DltStatisticInfo summarizes the ids and levels found in a set of files.
type DltStatisticInfo struct {
	AppIDs             []IDStatistic `msgpack:"app_ids" json:"appIds"`
	ContextIDs         []IDStatistic `msgpack:"context_ids" json:"contextIds"`
	EcuIDs             []IDStatistic `msgpack:"ecu_ids" json:"ecuIds"`
	ContainsNonVerbose bool          `msgpack:"contained_non_verbose" json:"containsNonVerbose"`
}

// SomeipStatistic is delivered as a JSON document inside a string result.
type SomeipStatistic struct {
	Services map[string]int `json:"services"`
	Messages map[string]int `json:"messages"`
}

type PluginType string

const (
	PluginParser     PluginType = "parser"
	PluginByteSource PluginType = "bytesource"
)

type PluginInfo struct {
	ID      string `msgpack:"id" json:"id"`
	Name    string `msgpack:"name" json:"name"`
	Version string `msgpack:"version" json:"version"`
	Main    string `msgpack:"main" json:"main"`
}

type PluginMetadata struct {
	Title       string `msgpack:"title" json:"title"`
	Description string `msgpack:"description" json:"description,omitempty"`
}

// PluginEntity is an installed plugin that passed validation.
type PluginEntity struct {
	DirPath    string         `msgpack:"dir_path" json:"dirPath"`
	PluginType PluginType     `msgpack:"plugin_type" json:"pluginType"`
	Info       PluginInfo     `msgpack:"info" json:"info"`
	Metadata   PluginMetadata `msgpack:"metadata" json:"metadata"`
}

// InvalidPluginEntity is a plugin directory that failed to load.
type InvalidPluginEntity struct {
	DirPath    string     `msgpack:"dir_path" json:"dirPath"`
	PluginType PluginType `msgpack:"plugin_type" json:"pluginType"`
	Reason     string     `msgpack:"reason" json:"reason"`
}

type PluginLogLevel string

const (
	PluginLogErr  PluginLogLevel = "err"
	PluginLogWarn PluginLogLevel = "warn"
	PluginLogInfo PluginLogLevel = "info"
)

type PluginLogMessage struct {
	Level       PluginLogLevel `msgpack:"level" json:"level"`
	TimestampMs int64          `msgpack:"timestamp" json:"timestamp"`
	Msg         string         `msgpack:"msg" json:"msg"`
}

// PluginRunData holds what the engine recorded while loading a plugin.
type PluginRunData struct {
	Logs []PluginLogMessage `msgpack:"logs" json:"logs"`
}
