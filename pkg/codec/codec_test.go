package codec

import (
	"errors"
	"testing"

	"github.com/harun/logdeck/pkg/operation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func mustFinished(t *testing.T, value any) []byte {
	t.Helper()
	payload, err := Finished(value)
	require.NoError(t, err)
	return payload
}

func TestDecode_CancelledEnvelope(t *testing.T) {
	payload, err := Cancelled()
	require.NoError(t, err)

	_, err = Bool(payload)
	assert.True(t, errors.Is(err, operation.ErrCancelledOutcome))

	_, err = Void(payload)
	assert.ErrorIs(t, err, operation.ErrCancelledOutcome)
}

func TestDecode_Rejects(t *testing.T) {
	unknown, err := msgpack.Marshal(&CommandOutcome{Outcome: "paused"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty payload", payload: nil},
		{name: "not msgpack", payload: []byte{0xc1}},
		{name: "unknown outcome", payload: unknown},
		{name: "wrong value type", payload: mustFinished(t, "not a number")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Int64(tt.payload)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, operation.ErrCancelledOutcome)
		})
	}
}

func TestVoid(t *testing.T) {
	_, err := Void(mustFinished(t, nil))
	assert.NoError(t, err)
}

func TestOptionString(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		msg := "missing closing parenthesis"
		value, err := OptionString(mustFinished(t, &msg))
		require.NoError(t, err)
		require.NotNil(t, value)
		assert.Equal(t, msg, *value)
	})

	t.Run("absent", func(t *testing.T) {
		value, err := OptionString(mustFinished(t, (*string)(nil)))
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("blank counts as absent", func(t *testing.T) {
		blank := "  \n"
		value, err := OptionString(mustFinished(t, &blank))
		require.NoError(t, err)
		assert.Nil(t, value)
	})
}

func TestRows(t *testing.T) {
	rows := []Row{
		{Position: 10, Content: "boot", SourceID: 1},
		{Position: 11, Content: "panic", SourceID: 1, Nature: NatureSearch | NatureError},
	}

	decoded, err := Rows(mustFinished(t, rows))
	require.NoError(t, err)
	assert.Equal(t, rows, decoded)
	assert.True(t, decoded[1].Nature.Has(NatureError))
	assert.False(t, decoded[1].Nature.Has(NatureBookmark))
}

func TestValues(t *testing.T) {
	values := SearchValues{
		0: {{Position: 1, Min: 1, Max: 3, Value: 2}},
		2: {{Position: 9, Min: -1, Max: -1, Value: -1}},
	}

	decoded, err := Values(mustFinished(t, values))
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestOptionPlugin(t *testing.T) {
	entity := &PluginEntity{
		DirPath:    "/plugins/dlt",
		PluginType: PluginParser,
		Info:       PluginInfo{ID: "dlt", Name: "DLT", Version: "1.0.0", Main: "dlt.wasm"},
	}

	decoded, err := OptionPlugin(mustFinished(t, entity))
	require.NoError(t, err)
	assert.Equal(t, entity, decoded)

	missing, err := OptionPlugin(mustFinished(t, (*PluginEntity)(nil)))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSomeipStatistics(t *testing.T) {
	stats, err := SomeipStatistics(mustFinished(t, `{"services":{"0x1234":3},"messages":{"a.log":10}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Services["0x1234"])
	assert.Equal(t, 10, stats.Messages["a.log"])

	_, err = SomeipStatistics(mustFinished(t, "{not json"))
	assert.Error(t, err)
}

func TestLevelDistributionTotal(t *testing.T) {
	d := LevelDistribution{Fatal: 1, Error: 2, Warn: 3, Info: 4}
	assert.Equal(t, 10, d.Total())
}
