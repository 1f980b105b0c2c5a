package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/logdeck/pkg/codec"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "rows.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStore_RequiresPath(t *testing.T) {
	_, err := OpenStore("", zerolog.Nop())
	assert.Error(t, err)
}

func TestStore_AppendAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, "s1", 0, []string{"boot", "ERROR disk full", "ok"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	first, err = store.Append(ctx, "s1", 2, []string{"later"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	n, err := store.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	rows, err := store.LoadRecords(ctx, "s1", 1, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, codec.Row{Position: 1, Content: "ERROR disk full", Nature: codec.NatureError}, rows[0])
	assert.Equal(t, uint64(3), rows[2].Position)
	assert.Equal(t, uint16(2), rows[2].SourceID)
	assert.False(t, rows[1].Nature.Has(codec.NatureError))
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "a", 0, []string{"a0", "a1"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "b", 0, []string{"b0"})
	require.NoError(t, err)

	rows, err := store.LoadRecords(ctx, "b", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b0", rows[0].Content)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)

	deleted, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	n, err := store.Len(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_LoadOutOfRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "s", 0, []string{"x"})
	require.NoError(t, err)

	rows, err := store.LoadRecords(ctx, "s", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_ScanStopsOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "s", 0, []string{"a", "b", "c"})
	require.NoError(t, err)

	seen := 0
	stop := assert.AnError
	err = store.Scan(ctx, "s", 0, 2, func(codec.Row) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}
