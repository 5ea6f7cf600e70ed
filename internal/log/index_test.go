package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexAppendAndSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 64, false)
	require.NoError(t, err)

	entries := []indexEntry{
		{relOffset: 0, timestamp: 100, position: 0},
		{relOffset: 10, timestamp: 200, position: 4096},
		{relOffset: 25, timestamp: 200, position: 9000},
		{relOffset: 40, timestamp: 350, position: 15000},
	}
	for _, e := range entries {
		require.NoError(t, idx.append(e))
	}
	require.Equal(t, len(entries), idx.entries())

	// Floor by offset: largest entry at or below the target.
	e, ok := idx.floorByOffset(0)
	require.True(t, ok)
	require.Equal(t, entries[0], e)

	e, ok = idx.floorByOffset(24)
	require.True(t, ok)
	require.Equal(t, entries[1], e)

	e, ok = idx.floorByOffset(1000)
	require.True(t, ok)
	require.Equal(t, entries[3], e)

	// Floor by time: ties resolve to the earliest entry with that timestamp.
	e, ok = idx.floorByTime(200)
	require.True(t, ok)
	require.Equal(t, entries[1], e)

	e, ok = idx.floorByTime(349)
	require.True(t, ok)
	require.Equal(t, entries[1], e)

	e, ok = idx.floorByTime(500)
	require.True(t, ok)
	require.Equal(t, entries[3], e)

	// Before the first entry the caller scans from position zero.
	_, ok = idx.floorByTime(99)
	require.False(t, ok)

	require.NoError(t, idx.close())
}

func TestIndexMonotonicity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 8, false)
	require.NoError(t, err)
	defer idx.close()

	require.NoError(t, idx.append(indexEntry{relOffset: 5, timestamp: 100, position: 512}))

	var mono *MonotonicityError
	err = idx.append(indexEntry{relOffset: 5, timestamp: 200, position: 1024})
	require.ErrorAs(t, err, &mono)
	require.Equal(t, "relative offset", mono.Field)

	err = idx.append(indexEntry{relOffset: 6, timestamp: 200, position: 512})
	require.ErrorAs(t, err, &mono)
	require.Equal(t, "position", mono.Field)

	err = idx.append(indexEntry{relOffset: 6, timestamp: 99, position: 1024})
	require.ErrorAs(t, err, &mono)
	require.Equal(t, "timestamp", mono.Field)

	// Equal timestamps are allowed: batches stamped under a clamped clock
	// share one.
	require.NoError(t, idx.append(indexEntry{relOffset: 6, timestamp: 100, position: 1024}))
}

func TestIndexFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 2, false)
	require.NoError(t, err)
	defer idx.close()

	require.NoError(t, idx.append(indexEntry{relOffset: 0, timestamp: 1, position: 0}))
	require.False(t, idx.isFull())
	require.NoError(t, idx.append(indexEntry{relOffset: 1, timestamp: 2, position: 100}))
	require.True(t, idx.isFull())
	require.ErrorIs(t, idx.append(indexEntry{relOffset: 2, timestamp: 3, position: 200}), errIndexFull)
}

func TestIndexSealTruncatesZeroTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 128, false)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(128*entryWidth), fi.Size())

	require.NoError(t, idx.append(indexEntry{relOffset: 0, timestamp: 10, position: 0}))
	require.NoError(t, idx.append(indexEntry{relOffset: 3, timestamp: 20, position: 300}))
	require.NoError(t, idx.seal())

	fi, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*entryWidth), fi.Size())
	require.NoError(t, idx.close())

	// A sealed index reopens at its exact size with both entries live.
	idx, err = openIndex(path, 128, true)
	require.NoError(t, err)
	require.Equal(t, 2, idx.entries())
	e, ok := idx.last()
	require.True(t, ok)
	require.Equal(t, indexEntry{relOffset: 3, timestamp: 20, position: 300}, e)
	require.NoError(t, idx.close())
}

func TestIndexReopenActiveDerivesCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 32, false)
	require.NoError(t, err)
	require.NoError(t, idx.append(indexEntry{relOffset: 0, timestamp: 5, position: 0}))
	require.NoError(t, idx.append(indexEntry{relOffset: 7, timestamp: 9, position: 700}))
	// Flush the mapping without truncating, as a crash would leave it.
	require.NoError(t, idx.sync())

	reopened, err := openIndex(path, 32, false)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.entries())
	require.NoError(t, reopened.close())
	require.NoError(t, idx.close())
}

func TestIndexTruncateToZeroesSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.index")
	idx, err := openIndex(path, 8, false)
	require.NoError(t, err)
	defer idx.close()

	require.NoError(t, idx.append(indexEntry{relOffset: 0, timestamp: 5, position: 0}))
	require.NoError(t, idx.append(indexEntry{relOffset: 2, timestamp: 6, position: 88}))
	idx.truncateTo(1)
	require.Equal(t, 1, idx.entries())

	// The dropped slot must not come back on a rescan.
	require.Equal(t, 1, idx.deriveCount())
}
