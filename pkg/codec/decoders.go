package codec

// Void decodes a result that carries no value.
func Void(payload []byte) (struct{}, error) {
	_, err := unwrap(payload)
	return struct{}{}, err
}

func Bool(payload []byte) (bool, error)     { return Decode[bool](payload) }
func String(payload []byte) (string, error) { return Decode[string](payload) }
func Int64(payload []byte) (int64, error)   { return Decode[int64](payload) }

// Length decodes a row count.
func Length(payload []byte) (uint64, error) { return Decode[uint64](payload) }

// OptionString decodes an optional string. Empty and whitespace-only strings
// are reported as absent.
func OptionString(payload []byte) (*string, error) {
	value, err := Decode[*string](payload)
	if err != nil || value == nil {
		return nil, err
	}
	for _, r := range *value {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return value, nil
		}
	}
	return nil, nil
}

func MapKeyValue(payload []byte) (map[string]string, error) {
	return Decode[map[string]string](payload)
}

func StringList(payload []byte) ([]string, error) {
	return Decode[[]string](payload)
}

func Rows(payload []byte) ([]Row, error) {
	return Decode[[]Row](payload)
}

func FoldersScanning(payload []byte) (FoldersScanningResult, error) {
	return Decode[FoldersScanningResult](payload)
}

func Values(payload []byte) (SearchValues, error) {
	return Decode[SearchValues](payload)
}

func Profiles(payload []byte) ([]Profile, error) {
	return Decode[[]Profile](payload)
}

func DltStatistic(payload []byte) (DltStatisticInfo, error) {
	return Decode[DltStatisticInfo](payload)
}

func SomeipStatistics(payload []byte) (SomeipStatistic, error) {
	return JSONString[SomeipStatistic](payload)
}

func Plugins(payload []byte) ([]PluginEntity, error) {
	return Decode[[]PluginEntity](payload)
}

func InvalidPlugins(payload []byte) ([]InvalidPluginEntity, error) {
	return Decode[[]InvalidPluginEntity](payload)
}

func OptionPlugin(payload []byte) (*PluginEntity, error) {
	return Decode[*PluginEntity](payload)
}

func OptionInvalidPlugin(payload []byte) (*InvalidPluginEntity, error) {
	return Decode[*InvalidPluginEntity](payload)
}

func OptionPluginRunData(payload []byte) (*PluginRunData, error) {
	return Decode[*PluginRunData](payload)
}
