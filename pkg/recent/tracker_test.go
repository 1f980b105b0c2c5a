package recent

import (
	"testing"

	"github.com/harun/logdeck/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(from, to uint64) stream.RowsPacket {
	p := stream.RowsPacket{Range: stream.Range{From: from, To: to}}
	for i := from; i <= to; i++ {
		p.Rows = append(p.Rows, stream.Row{Position: i, Content: "row"})
	}
	return p
}

func TestTracker_RecordAndLast(t *testing.T) {
	tr, err := New(DefaultConfig())
	require.NoError(t, err)

	_, ok := tr.Last("s-1")
	assert.False(t, ok)

	tr.Record("s-1", packet(0, 9))
	tr.Record("s-1", packet(10, 19))

	last, ok := tr.Last("s-1")
	require.True(t, ok)
	assert.Equal(t, stream.Range{From: 10, To: 19}, last.Range)

	_, ok = tr.Last("s-2")
	assert.False(t, ok)
}

func TestTracker_EmptyPacketIgnored(t *testing.T) {
	tr, err := New(DefaultConfig())
	require.NoError(t, err)

	tr.Record("s-1", stream.RowsPacket{})
	assert.Equal(t, 0, tr.Sessions())
}

func TestTracker_Lookup(t *testing.T) {
	tr, err := New(DefaultConfig())
	require.NoError(t, err)

	tr.Record("s-1", packet(0, 9))
	tr.Record("s-1", packet(100, 109))

	row, ok := tr.Lookup("s-1", 5)
	require.True(t, ok)
	assert.Equal(t, uint64(5), row.Position)

	row, ok = tr.Lookup("s-1", 105)
	require.True(t, ok)
	assert.Equal(t, uint64(105), row.Position)

	_, ok = tr.Lookup("s-1", 50)
	assert.False(t, ok)

	_, ok = tr.Lookup("other", 5)
	assert.False(t, ok)
}

func TestTracker_BoundedPerSession(t *testing.T) {
	tr, err := New(Config{MaxSessions: 2, MaxPackets: 2})
	require.NoError(t, err)

	tr.Record("s-1", packet(0, 9))
	tr.Record("s-1", packet(10, 19))
	tr.Record("s-1", packet(20, 29))

	_, ok := tr.Lookup("s-1", 5)
	assert.False(t, ok, "oldest packet should be evicted")

	_, ok = tr.Lookup("s-1", 25)
	assert.True(t, ok)
}

func TestTracker_BoundedSessions(t *testing.T) {
	tr, err := New(Config{MaxSessions: 2, MaxPackets: 2})
	require.NoError(t, err)

	tr.Record("a", packet(0, 0))
	tr.Record("b", packet(0, 0))
	tr.Record("c", packet(0, 0))

	assert.Equal(t, 2, tr.Sessions())
	_, ok := tr.Last("a")
	assert.False(t, ok)
}

func TestTracker_Forget(t *testing.T) {
	tr, err := New(DefaultConfig())
	require.NoError(t, err)

	tr.Record("s-1", packet(0, 9))
	tr.Forget("s-1")

	_, ok := tr.Last("s-1")
	assert.False(t, ok)
}
