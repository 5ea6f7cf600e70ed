package log

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	mmap "github.com/edsrzf/mmap-go"
)

// Index entry layout: 16 bytes, little-endian.
//
//	u32 relative offset | u64 timestamp_ns | u32 position
//
// Entries carry the first message of each flushed batch. Relative offsets and
// positions are strictly increasing; timestamps are non-decreasing (batches
// stamped under a stalled or clamped clock may share one).
const (
	entryRelOffsetPos = 0
	entryTimestampPos = 4
	entryPositionPos  = 12
	entryWidth        = 16
)

type indexEntry struct {
	relOffset uint32
	timestamp int64
	position  uint32
}

// index is the sparse offset/timestamp index of one segment, kept as a
// memory-mapped array of fixed-width records. Active indexes are preallocated
// to capacity and truncated to exact size on seal; the zero-filled tail never
// parses as a live entry because relative offsets must strictly increase.
type index struct {
	file  *os.File
	path  string
	mmap  mmap.MMap
	count atomic.Int64
	cap   int
}

// openIndex maps a segment index file. For an active segment the file is
// grown to its preallocated capacity; for a sealed one it is mapped at its
// exact size. The live entry count is recovered by scanning for the first
// slot that does not advance past its predecessor.
func openIndex(path string, maxEntries int, sealed bool) (*index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	idx := &index{file: f, path: path}
	if sealed {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		idx.cap = int(fi.Size() / entryWidth)
	} else {
		if err := f.Truncate(int64(maxEntries) * entryWidth); err != nil {
			return nil, fmt.Errorf("preallocate %s: %w", path, err)
		}
		idx.cap = maxEntries
	}
	if idx.cap > 0 {
		if idx.mmap, err = mmap.Map(f, mmap.RDWR, 0); err != nil {
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
	}
	idx.count.Store(int64(idx.deriveCount()))
	return idx, nil
}

// deriveCount scans mapped slots until one fails to advance past its
// predecessor. A sealed index is exact-sized so every slot is live; a crashed
// active index ends at its zero tail.
func (i *index) deriveCount() int {
	n := 0
	var prev indexEntry
	for n < i.cap {
		e := i.at(n)
		if n == 0 {
			if e.timestamp == 0 {
				break
			}
		} else if e.relOffset <= prev.relOffset || e.position <= prev.position || e.timestamp < prev.timestamp {
			break
		}
		prev = e
		n++
	}
	return n
}

func (i *index) at(n int) indexEntry {
	base := n * entryWidth
	return indexEntry{
		relOffset: enc.Uint32(i.mmap[base+entryRelOffsetPos:]),
		timestamp: int64(enc.Uint64(i.mmap[base+entryTimestampPos:])),
		position:  enc.Uint32(i.mmap[base+entryPositionPos:]),
	}
}

func (i *index) entries() int { return int(i.count.Load()) }

func (i *index) isFull() bool { return i.entries() >= i.cap }

func (i *index) last() (indexEntry, bool) {
	n := i.entries()
	if n == 0 {
		return indexEntry{}, false
	}
	return i.at(n - 1), true
}

// append adds one entry. Relative offset and position must strictly exceed
// the previous entry's, the timestamp must not go backward.
func (i *index) append(e indexEntry) error {
	n := i.entries()
	if n >= i.cap {
		return errIndexFull
	}
	if prev, ok := i.last(); ok {
		if e.relOffset <= prev.relOffset {
			return &MonotonicityError{Field: "relative offset", Prev: int64(prev.relOffset), Next: int64(e.relOffset)}
		}
		if e.position <= prev.position {
			return &MonotonicityError{Field: "position", Prev: int64(prev.position), Next: int64(e.position)}
		}
		if e.timestamp < prev.timestamp {
			return &MonotonicityError{Field: "timestamp", Prev: prev.timestamp, Next: e.timestamp}
		}
	}
	base := n * entryWidth
	enc.PutUint32(i.mmap[base+entryRelOffsetPos:], e.relOffset)
	enc.PutUint64(i.mmap[base+entryTimestampPos:], uint64(e.timestamp))
	enc.PutUint32(i.mmap[base+entryPositionPos:], e.position)
	i.count.Store(int64(n + 1))
	return nil
}

// floorByOffset returns the largest entry whose relative offset is at most
// rel. ok is false when rel precedes the first entry; the caller then scans
// from position zero.
func (i *index) floorByOffset(rel uint32) (indexEntry, bool) {
	n := i.entries()
	j := sort.Search(n, func(k int) bool { return i.at(k).relOffset > rel })
	if j == 0 {
		return indexEntry{}, false
	}
	return i.at(j - 1), true
}

// floorByTime returns the floor entry for ts, choosing the earliest entry
// among any that share the floor timestamp so at-or-after reads never skip a
// message.
func (i *index) floorByTime(ts int64) (indexEntry, bool) {
	n := i.entries()
	j := sort.Search(n, func(k int) bool { return i.at(k).timestamp > ts })
	if j == 0 {
		return indexEntry{}, false
	}
	k := j - 1
	for k > 0 && i.at(k-1).timestamp == i.at(k).timestamp {
		k--
	}
	return i.at(k), true
}

// truncateTo drops entries from n onward, zeroing their slots so a reopen
// does not resurrect them.
func (i *index) truncateTo(n int) {
	old := i.entries()
	for k := n * entryWidth; k < old*entryWidth; k++ {
		i.mmap[k] = 0
	}
	i.count.Store(int64(n))
}

func (i *index) sync() error {
	if len(i.mmap) > 0 {
		if err := i.mmap.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", i.path, err)
		}
	}
	if err := i.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", i.path, err)
	}
	return nil
}

// seal truncates the preallocated zero tail so the file holds exactly the
// live entries, then syncs. The mapping stays valid for reads within the
// truncated range.
func (i *index) seal() error {
	if err := i.sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(i.count.Load() * entryWidth); err != nil {
		return fmt.Errorf("truncate %s: %w", i.path, err)
	}
	return i.file.Sync()
}

// close flushes, truncates to exact size, and releases the mapping.
func (i *index) close() error {
	if len(i.mmap) > 0 {
		if err := i.mmap.Flush(); err != nil {
			return err
		}
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(i.count.Load() * entryWidth); err != nil {
		return err
	}
	if len(i.mmap) > 0 {
		if err := i.mmap.Unmap(); err != nil {
			return err
		}
		i.mmap = nil
	}
	return i.file.Close()
}
