package log

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Log is one partition's append-only message log: an ordered roster of
// segments with exactly one active tail. Appends batch through the
// accumulator under the write mutex; reads take the roster lock shared and
// never block the writer except during the brief exclusive splice at
// rollover. Offsets are strictly monotonic for the partition's whole life,
// restored from the tail at open.
type Log struct {
	dir    string
	cfg    Config
	logger *zap.Logger

	// writeMu protects the accumulator and the active segment's write side.
	writeMu  sync.Mutex
	acc      *accumulator
	lastSync time.Time

	// mu protects the segment roster.
	mu       sync.RWMutex
	segments []*segment

	closed atomic.Bool
}

// FetchResult is the outcome of a read: borrowed views over framed messages
// and the offset to resume from.
type FetchResult struct {
	Messages   []MessageView
	NextOffset uint64
}

// SegmentInfo describes one segment of the roster.
type SegmentInfo struct {
	BaseOffset uint64
	NextOffset uint64
	SizeBytes  int64
	Entries    int
	State      string
	EndTime    time.Time
}

// Open loads or creates the partition log in dir. Existing segments are
// recovered: sealed ones validated, the tail scanned, truncated past the last
// intact message, and re-activated.
func Open(dir string, cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	logger := cfg.Logger.With(zap.String("dir", dir))
	segments, err := recoverSegments(dir, cfg, logger)
	if err != nil {
		return nil, err
	}
	l := &Log{
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		segments: segments,
	}
	tail := segments[len(segments)-1]
	l.acc = newAccumulator(cfg, tail.nextOffset.Load())
	logger.Info("partition log opened",
		zap.Int("segments", len(segments)),
		zap.Uint64("oldest_offset", segments[0].base),
		zap.Uint64("next_offset", l.acc.next()))
	return l, nil
}

func (l *Log) tail() *segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[len(l.segments)-1]
}

// Append assigns contiguous offsets to msgs in order and writes them through
// the accumulator, flushing whenever a batch bound is reached and once more
// when the input is exhausted. It returns the assigned offsets. Once the
// accumulator has drained into the segment the write is no longer
// cancellable; ctx is only observed before any state changes.
func (l *Log) Append(ctx context.Context, msgs []Message) ([]uint64, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	// Close may have won the lock race after the first check.
	if l.closed.Load() {
		return nil, ErrClosed
	}

	offsets := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		off, err := l.acc.add(m)
		if errors.Is(err, ErrBatchFull) {
			if err = l.flushLocked(false); err != nil {
				return nil, err
			}
			off, err = l.acc.add(m)
		}
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, off)
	}
	if err := l.flushLocked(false); err != nil {
		return nil, err
	}
	return offsets, nil
}

// flushLocked drains the accumulator into the active segment, applies the
// fsync policy (force overrides it), and rolls the segment over if it crossed
// its size bound. Caller holds writeMu.
func (l *Log) flushLocked(force bool) error {
	active := l.tail()
	if active.currentState() == segmentCorrupt {
		var err error
		if active, err = l.rollover(active, false); err != nil {
			return err
		}
	}
	b, ok := l.acc.drain()
	if !ok {
		if force {
			return active.flush()
		}
		return nil
	}
	defer l.acc.release(b)
	if err := active.appendBatch(b); err != nil {
		// The batch is lost; hand its offsets back so the durable run stays
		// contiguous.
		l.acc.rewind(active.nextOffset.Load())
		return err
	}
	if err := l.maybeSync(active, force); err != nil {
		return err
	}
	if active.isFull() {
		if _, err := l.rollover(active, true); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) maybeSync(s *segment, force bool) error {
	switch {
	case force, l.cfg.Fsync.Policy == FsyncPerBatch:
	case l.cfg.Fsync.Policy == FsyncInterval:
		now := l.cfg.Clock.Now()
		if !l.lastSync.IsZero() && now.Sub(l.lastSync) < l.cfg.Fsync.Interval {
			return nil
		}
		l.lastSync = now
	default:
		return nil
	}
	return s.flush()
}

// rollover seals prev (unless it is corrupt) and splices a fresh active
// segment whose base continues prev's offset run, holding the roster lock
// exclusively only for the swap. The directory is synced so the new files
// survive a crash.
func (l *Log) rollover(prev *segment, sealPrev bool) (*segment, error) {
	base := prev.nextOffset.Load()
	next, err := createSegment(l.dir, base, l.cfg, l.logger)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if sealPrev {
		if err := prev.seal(); err != nil {
			l.mu.Unlock()
			return nil, multierr.Append(err, next.close())
		}
	}
	l.segments = append(l.segments, next)
	l.mu.Unlock()
	if err := syncDir(l.dir); err != nil {
		return nil, err
	}
	l.logger.Info("rolled over to new segment",
		zap.Uint64("base_offset", base),
		zap.String("previous_state", prev.currentState().String()))
	return next, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// Read returns up to maxMessages messages starting at offset from, crossing
// segment boundaries as needed. maxBytes <= 0 means unbounded; at least one
// message is returned when any is available within range. Reading at the
// exact next offset yields an empty result; past it, ErrOffsetOutOfRange;
// before the oldest retained offset, ErrNotFound. A read is freely
// cancellable between segments.
func (l *Log) Read(ctx context.Context, from uint64, maxMessages int, maxBytes int64) (*FetchResult, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if maxMessages <= 0 {
		return &FetchResult{NextOffset: from}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return nil, ErrClosed
	}

	oldest := l.segments[0].base
	next := l.segments[len(l.segments)-1].nextOffset.Load()
	if from < oldest {
		return nil, fmt.Errorf("%w: offset %d precedes %d", ErrNotFound, from, oldest)
	}
	if from > next {
		return nil, ErrOffsetOutOfRange{Offset: from, Next: next}
	}
	st := &fetchState{maxMessages: maxMessages, maxBytes: maxBytes}
	if from == next {
		return l.result(st, from), nil
	}

	i := sort.Search(len(l.segments), func(k int) bool { return l.segments[k].base > from }) - 1
	for ; i < len(l.segments) && !st.full(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.segments[i].readRange(from, st); err != nil {
			return l.result(st, from), err
		}
	}
	return l.result(st, from), nil
}

// ReadAtTime returns messages whose timestamp is at or after ts. When ts is
// newer than everything appended the result is empty; when older than
// everything retained, the read starts at the oldest message.
func (l *Log) ReadAtTime(ctx context.Context, ts time.Time, maxMessages int, maxBytes int64) (*FetchResult, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	tsn := ts.UnixNano()
	if maxMessages <= 0 {
		return &FetchResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return nil, ErrClosed
	}

	next := l.segments[len(l.segments)-1].nextOffset.Load()
	st := &fetchState{maxMessages: maxMessages, maxBytes: maxBytes}
	// Segment end timestamps are non-decreasing across the roster; the first
	// segment whose end timestamp reaches ts is where the scan starts. An
	// empty segment (the tail right after rollover) has no end timestamp and
	// sorts after every segment holding data.
	i := sort.Search(len(l.segments), func(k int) bool {
		s := l.segments[k]
		if s.nextOffset.Load() == s.base {
			return true
		}
		return s.endTs.Load() >= tsn
	})
	for ; i < len(l.segments) && !st.full(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.segments[i].readRangeAtTime(tsn, st); err != nil {
			return l.result(st, next), err
		}
	}
	return l.result(st, next), nil
}

func (l *Log) result(st *fetchState, from uint64) *FetchResult {
	next := from
	if n := len(st.views); n > 0 {
		next = st.views[n-1].Offset() + 1
	}
	return &FetchResult{Messages: st.views, NextOffset: next}
}

// Flush drains any buffered messages and forces the active segment to stable
// storage regardless of the fsync policy.
func (l *Log) Flush(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	return l.flushLocked(true)
}

// Close flushes and releases every file handle. Further operations return
// ErrClosed.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	l.writeMu.Lock()
	err := l.flushLocked(true)
	l.writeMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		err = multierr.Append(err, s.close())
	}
	l.logger.Info("partition log closed", zap.Error(err))
	return err
}

// NextOffset is the offset the next appended message will receive.
func (l *Log) NextOffset() uint64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.acc.next()
}

// OldestOffset is the base offset of the oldest retained segment.
func (l *Log) OldestOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].base
}

// Segments reports the roster, oldest first.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	infos := make([]SegmentInfo, 0, len(l.segments))
	for _, s := range l.segments {
		infos = append(infos, SegmentInfo{
			BaseOffset: s.base,
			NextOffset: s.nextOffset.Load(),
			SizeBytes:  s.log.sizeBytes(),
			Entries:    s.idx.entries(),
			State:      s.currentState().String(),
			EndTime:    time.Unix(0, s.endTs.Load()),
		})
	}
	return infos
}
