package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string, cfg Config) *Log {
	t.Helper()
	l, err := Open(dir, cfg)
	require.NoError(t, err)
	return l
}

func payloads(msgs []Message) [][]byte {
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func TestLogBasicAppendRead(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{})
	defer l.Close()

	msgs := []Message{
		{Payload: []byte("m1")},
		{Payload: []byte("m2")},
		{Payload: []byte("m3")},
	}
	offsets, err := l.Append(ctx, msgs)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, offsets)

	res, err := l.Read(ctx, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	require.Equal(t, uint64(3), res.NextOffset)
	for i, v := range res.Messages {
		require.Equal(t, uint64(i), v.Offset())
		require.Equal(t, payloads(msgs)[i], v.Payload())
	}
}

func TestLogAppendEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{})
	defer l.Close()

	offsets, err := l.Append(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, offsets)
	require.Equal(t, uint64(0), l.NextOffset())
}

func TestLogReadBoundaries(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{})
	defer l.Close()

	_, err := l.Append(ctx, []Message{{Payload: []byte("a")}, {Payload: []byte("b")}})
	require.NoError(t, err)

	// maxMessages == 0 returns empty without touching I/O.
	res, err := l.Read(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
	require.Equal(t, uint64(0), res.NextOffset)

	// Reading at the exact end offset is empty.
	res, err = l.Read(ctx, 2, 10, 0)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
	require.Equal(t, uint64(2), res.NextOffset)

	// One past the end is out of range.
	_, err = l.Read(ctx, 3, 10, 0)
	var oor ErrOffsetOutOfRange
	require.ErrorAs(t, err, &oor)
	require.Equal(t, uint64(3), oor.Offset)
	require.Equal(t, uint64(2), oor.Next)
}

func TestLogRollover(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{SegmentMaxBytes: 4096}
	l := openTestLog(t, dir, cfg)
	defer l.Close()

	// 1500-byte messages, one batch each, until three segments exist.
	var total int
	for len(l.Segments()) < 3 {
		_, err := l.Append(ctx, []Message{{Payload: make([]byte, 1500)}})
		require.NoError(t, err)
		total++
		require.Less(t, total, 64, "rollover never happened")
	}

	segs := l.Segments()
	require.Len(t, segs, 3)
	require.Equal(t, uint64(0), segs[0].BaseOffset)
	for i := 0; i < 2; i++ {
		require.Equal(t, "sealed", segs[i].State)
		require.Equal(t, segs[i].NextOffset, segs[i+1].BaseOffset)
		name := fmt.Sprintf("%020d.log", segs[i].BaseOffset)
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
	}
	require.Equal(t, "active", segs[2].State)

	// A single read spans all segments.
	res, err := l.Read(ctx, 0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, total)
	for i, v := range res.Messages {
		require.Equal(t, uint64(i), v.Offset())
	}
}

func TestLogRolloverNeverSplitsBatch(t *testing.T) {
	ctx := context.Background()
	cfg := Config{SegmentMaxBytes: 4096}
	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	// First batch leaves the segment just under the threshold; the next
	// batch of two messages must land entirely in one segment.
	_, err := l.Append(ctx, []Message{{Payload: make([]byte, 3500)}})
	require.NoError(t, err)
	offsets, err := l.Append(ctx, []Message{
		{Payload: make([]byte, 1000)},
		{Payload: make([]byte, 1000)},
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, offsets)

	segs := l.Segments()
	var holder SegmentInfo
	for _, s := range segs {
		if s.BaseOffset <= 1 && 1 < s.NextOffset {
			holder = s
		}
	}
	require.True(t, holder.BaseOffset <= 2 && 2 < holder.NextOffset,
		"batch split across segments: %+v", segs)
}

func TestLogTimestampLookup(t *testing.T) {
	ctx := context.Background()
	times := make([]int64, 10)
	for i := range times {
		times[i] = int64(100 * (i + 1))
	}
	cfg := Config{Clock: &fakeClock{times: times}}
	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	msgs := make([]Message, 10)
	for i := range msgs {
		msgs[i] = Message{Payload: []byte{byte(i)}}
	}
	_, err := l.Append(ctx, msgs)
	require.NoError(t, err)

	res, err := l.ReadAtTime(ctx, time.Unix(0, 350), 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 7)
	require.Equal(t, uint64(3), res.Messages[0].Offset())
	require.Equal(t, int64(400), res.Messages[0].Timestamp())
	require.Equal(t, uint64(9), res.Messages[6].Offset())

	// Older than everything: the read starts at the oldest message.
	res, err = l.ReadAtTime(ctx, time.Unix(0, 1), 3, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	require.Equal(t, uint64(0), res.Messages[0].Offset())

	// Newer than everything: empty.
	res, err = l.ReadAtTime(ctx, time.Unix(0, 5000), 10, 0)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
}

func TestLogTimestampLookupAfterRollover(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		SegmentMaxBytes: 512,
		Clock:           &fakeClock{times: []int64{100}},
	}
	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	// One oversized message seals the first segment and leaves an empty
	// active tail behind it.
	_, err := l.Append(ctx, []Message{{Payload: make([]byte, 600)}})
	require.NoError(t, err)
	segs := l.Segments()
	require.Len(t, segs, 2)
	require.Equal(t, "sealed", segs[0].State)
	require.Equal(t, segs[1].BaseOffset, segs[1].NextOffset)

	// A lookup below the sealed segment's end timestamp must still find its
	// messages even though the empty tail carries no timestamp at all.
	res, err := l.ReadAtTime(ctx, time.Unix(0, 50), 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, uint64(0), res.Messages[0].Offset())
	require.Equal(t, int64(100), res.Messages[0].Timestamp())

	// Past everything appended is still empty.
	res, err = l.ReadAtTime(ctx, time.Unix(0, 150), 10, 0)
	require.NoError(t, err)
	require.Empty(t, res.Messages)
}

func TestLogReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, Config{})

	var want [][]byte
	for i := 0; i < 5; i++ {
		p := []byte(fmt.Sprintf("payload-%d", i))
		want = append(want, p)
	}
	msgs := make([]Message, len(want))
	for i, p := range want {
		msgs[i] = Message{Payload: p}
	}
	_, err := l.Append(ctx, msgs)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openTestLog(t, dir, Config{})
	defer l.Close()
	require.Equal(t, uint64(5), l.NextOffset())

	res, err := l.Read(ctx, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 5)
	for i, v := range res.Messages {
		require.Equal(t, want[i], v.Payload())
	}

	// Appends continue the offset run.
	offsets, err := l.Append(ctx, []Message{{Payload: []byte("after")}})
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, offsets)
}

func TestLogNotFoundBeforeOldestSegment(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{SegmentMaxBytes: 2048}
	l := openTestLog(t, dir, cfg)

	for i := 0; i < 8; i++ {
		_, err := l.Append(ctx, []Message{{Payload: make([]byte, 700)}})
		require.NoError(t, err)
	}
	segs := l.Segments()
	require.Greater(t, len(segs), 2)
	require.NoError(t, l.Close())

	// Drop the first segment, as an external retention sweep would.
	require.NoError(t, os.Remove(filepath.Join(dir, fmt.Sprintf("%020d.log", segs[0].BaseOffset))))
	require.NoError(t, os.Remove(filepath.Join(dir, fmt.Sprintf("%020d.index", segs[0].BaseOffset))))

	l = openTestLog(t, dir, cfg)
	defer l.Close()
	require.Equal(t, segs[1].BaseOffset, l.OldestOffset())

	_, err := l.Read(ctx, 0, 10, 0)
	require.ErrorIs(t, err, ErrNotFound)

	res, err := l.Read(ctx, segs[1].BaseOffset, 100, 0)
	require.NoError(t, err)
	require.Equal(t, segs[1].BaseOffset, res.Messages[0].Offset())
}

func TestLogConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{Fsync: FsyncMode{Policy: FsyncNever}})
	defer l.Close()

	const tasks = 2
	const perTask = 1000
	offsets := make([][]uint64, tasks)

	var wg sync.WaitGroup
	for task := 0; task < tasks; task++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			for i := 0; i < perTask; i++ {
				off, err := l.Append(ctx, []Message{
					{Payload: []byte(fmt.Sprintf("t%d-%d", task, i))},
				})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				offsets[task] = append(offsets[task], off[0])
			}
		}(task)
	}
	wg.Wait()
	require.Equal(t, uint64(tasks*perTask), l.NextOffset())

	// Within each task the assigned offsets carry that task's messages in
	// submission order.
	for task := 0; task < tasks; task++ {
		require.Len(t, offsets[task], perTask)
		for i, off := range offsets[task] {
			res, err := l.Read(ctx, off, 1, 0)
			require.NoError(t, err)
			require.Len(t, res.Messages, 1)
			require.Equal(t, fmt.Sprintf("t%d-%d", task, i), string(res.Messages[0].Payload()))
			if i > 0 {
				require.Greater(t, off, offsets[task][i-1])
			}
		}
	}
}

func TestLogClosed(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{})
	require.NoError(t, l.Close())

	_, err := l.Append(ctx, []Message{{Payload: []byte("x")}})
	require.ErrorIs(t, err, ErrClosed)
	_, err = l.Read(ctx, 0, 1, 0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, l.Flush(ctx), ErrClosed)
	require.ErrorIs(t, l.Close(), ErrClosed)
}

func TestLogCloseDuringAppends(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Config{Fsync: FsyncMode{Policy: FsyncNever}})

	started := make(chan struct{})
	failed := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			_, err := l.Append(ctx, []Message{{Payload: []byte("x")}})
			if i == 0 {
				close(started)
			}
			if err != nil {
				failed <- err
				return
			}
		}
	}()

	<-started
	require.NoError(t, l.Close())
	// Whether the racing append lost before or after taking the write lock,
	// the only error it may see is ErrClosed.
	require.ErrorIs(t, <-failed, ErrClosed)
}

func TestLogFlushDurability(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Fsync: FsyncMode{Policy: FsyncNever}}
	l := openTestLog(t, dir, cfg)

	_, err := l.Append(ctx, []Message{{Payload: []byte("durable")}})
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))
	require.NoError(t, l.Close())

	l = openTestLog(t, dir, cfg)
	defer l.Close()
	require.Equal(t, uint64(1), l.NextOffset())
	res, err := l.Read(ctx, 0, 1, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), res.Messages[0].Payload())
}

func TestLogFsyncIntervalParsing(t *testing.T) {
	ctx := context.Background()
	cfg := Config{}
	var err error
	cfg.Fsync, err = ParseFsyncMode("interval:50")
	require.NoError(t, err)

	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()
	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, []Message{{Payload: []byte("x")}})
		require.NoError(t, err)
	}
	res, err := l.Read(ctx, 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 10)
}

func TestLogAppendCancelledContext(t *testing.T) {
	l := openTestLog(t, t.TempDir(), Config{})
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Append(ctx, []Message{{Payload: []byte("x")}})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(0), l.NextOffset())
}
