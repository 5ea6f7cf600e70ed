package log

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type segmentState int32

const (
	segmentActive segmentState = iota
	segmentSealed
	segmentCorrupt
	segmentClosed
)

func (s segmentState) String() string {
	switch s {
	case segmentActive:
		return "active"
	case segmentSealed:
		return "sealed"
	case segmentCorrupt:
		return "corrupt"
	default:
		return "closed"
	}
}

// Segment file names are the zero-padded base offset so lexicographic order
// equals numeric order.
func segmentLogPath(dir string, base uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log", base))
}

func segmentIndexPath(dir string, base uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.index", base))
}

// segment ties one log file to its index and covers the contiguous offset run
// [base, nextOffset). The write side belongs to the partition's single
// writer; nextOffset, endTs, and the store size are atomics so readers can
// snapshot a consistent end of data without blocking the writer.
type segment struct {
	base   uint64
	log    *store
	idx    *index
	cfg    Config
	logger *zap.Logger

	nextOffset atomic.Uint64
	endTs      atomic.Int64
	state      atomic.Int32
	// lastFrameAbs is the log-file position of the last appended message,
	// kept so seal can index the segment's final message.
	lastFrameAbs int64
}

// createSegment makes a fresh, empty, active segment.
func createSegment(dir string, base uint64, cfg Config, logger *zap.Logger) (*segment, error) {
	st, err := openStore(segmentLogPath(dir, base))
	if err != nil {
		return nil, err
	}
	st.setSize(0)
	if cfg.Preallocate {
		if err := st.preallocate(cfg.SegmentMaxBytes); err != nil {
			return nil, multierr.Append(err, st.close())
		}
	}
	idx, err := openIndex(segmentIndexPath(dir, base), cfg.maxIndexEntries(), false)
	if err != nil {
		return nil, multierr.Append(err, st.close())
	}
	idx.truncateTo(0)
	s := &segment{base: base, log: st, idx: idx, cfg: cfg, logger: logger}
	s.nextOffset.Store(base)
	return s, nil
}

func (s *segment) currentState() segmentState {
	return segmentState(s.state.Load())
}

// appendBatch writes the framed batch at the segment's end and records one
// index entry for its first message. On a write error the segment turns
// corrupt and refuses further appends; the partition rolls a fresh segment at
// the next append.
func (s *segment) appendBatch(b batch) error {
	switch s.currentState() {
	case segmentActive:
	case segmentCorrupt:
		return &CorruptError{Segment: s.base, Position: s.log.sizeBytes(), Reason: "segment marked corrupt"}
	default:
		return ErrSegmentSealed
	}
	pos, err := s.log.append(b.data)
	if err != nil {
		s.state.Store(int32(segmentCorrupt))
		s.logger.Error("batch write failed, marking segment corrupt",
			zap.Uint64("base_offset", s.base),
			zap.Int64("position", pos),
			zap.Error(err))
		return err
	}
	entry := indexEntry{
		relOffset: uint32(b.firstOffset - s.base),
		timestamp: b.firstTs,
		position:  uint32(pos),
	}
	if err := s.idx.append(entry); err != nil {
		// A full index only forces rollover; reads fall back to scanning
		// from the previous floor entry.
		if err != errIndexFull {
			return err
		}
	}
	s.lastFrameAbs = pos + int64(b.lastFramePos)
	s.endTs.Store(b.lastTs)
	s.nextOffset.Store(b.lastOffset + 1)
	return nil
}

// isFull reports whether the segment should be sealed after the current
// flush: either the log file crossed the size threshold or the index has no
// slots left.
func (s *segment) isFull() bool {
	return s.log.sizeBytes() >= s.cfg.SegmentMaxBytes || s.idx.isFull()
}

// flush syncs the log file and then the index, in that order, so the index
// never references unsynced bytes.
func (s *segment) flush() error {
	if err := s.log.sync(); err != nil {
		return err
	}
	return s.idx.sync()
}

// seal makes the segment immutable: the final message gets an index entry if
// it lacks one, both files are truncated to exact size and synced.
func (s *segment) seal() error {
	if err := s.flush(); err != nil {
		return err
	}
	if next := s.nextOffset.Load(); next > s.base {
		lastRel := uint32(next - 1 - s.base)
		if last, ok := s.idx.last(); !ok || last.relOffset < lastRel {
			err := s.idx.append(indexEntry{
				relOffset: lastRel,
				timestamp: s.endTs.Load(),
				position:  uint32(s.lastFrameAbs),
			})
			if err != nil && err != errIndexFull {
				return err
			}
		}
	}
	if err := s.log.truncate(s.log.sizeBytes()); err != nil {
		return err
	}
	if err := s.log.sync(); err != nil {
		return err
	}
	if err := s.idx.seal(); err != nil {
		return err
	}
	s.state.Store(int32(segmentSealed))
	s.logger.Info("segment sealed",
		zap.Uint64("base_offset", s.base),
		zap.Uint64("next_offset", s.nextOffset.Load()),
		zap.Int64("size_bytes", s.log.sizeBytes()))
	return nil
}

func (s *segment) close() error {
	s.state.Store(int32(segmentClosed))
	return multierr.Append(s.idx.close(), s.log.close())
}

// fetchState carries the limits and result of a read as it crosses segments.
type fetchState struct {
	maxMessages int
	maxBytes    int64
	views       []MessageView
	bytes       int64
}

func (f *fetchState) full() bool {
	if len(f.views) >= f.maxMessages {
		return true
	}
	return f.maxBytes > 0 && f.bytes >= f.maxBytes && len(f.views) > 0
}

func (f *fetchState) add(v MessageView) {
	f.views = append(f.views, v)
	f.bytes += int64(v.FrameLen())
}

// readRange collects messages with offset >= from until a limit is hit or the
// end of the segment is reached. It locates the floor index entry and scans
// forward by parsing frame headers, reading full frames only for messages
// inside the requested range.
func (s *segment) readRange(from uint64, st *fetchState) error {
	if from < s.base {
		from = s.base
	}
	end := s.nextOffset.Load()
	if from >= end {
		return nil
	}
	pos := int64(0)
	if e, ok := s.idx.floorByOffset(uint32(from - s.base)); ok {
		pos = int64(e.position)
	}
	return s.scan(pos, end, st, func(hdr []byte) bool {
		return enc.Uint64(hdr[frameOffsetPos:]) >= from
	})
}

// readRangeAtTime collects messages with timestamp >= ts, starting from the
// index's timestamp floor.
func (s *segment) readRangeAtTime(ts int64, st *fetchState) error {
	end := s.nextOffset.Load()
	if end == s.base {
		return nil
	}
	pos := int64(0)
	if e, ok := s.idx.floorByTime(ts); ok {
		pos = int64(e.position)
	}
	return s.scan(pos, end, st, func(hdr []byte) bool {
		return int64(enc.Uint64(hdr[frameTimestampPos:])) >= ts
	})
}

// scan walks frames from pos, skipping messages until want first reports
// true, then collecting every subsequent message until the limits or the end
// of data. end bounds the scan to offsets below it so a concurrent append is
// never half-observed.
func (s *segment) scan(pos int64, end uint64, st *fetchState, want func(hdr []byte) bool) error {
	size := s.log.sizeBytes()
	var hdr [frameHeaderLen]byte
	collecting := false
	for pos < size && !st.full() {
		if size-pos < frameHeaderLen {
			return &CorruptError{Segment: s.base, Position: pos, Reason: "truncated header"}
		}
		if err := s.log.readAt(hdr[:], pos); err != nil {
			return err
		}
		frameLen := int64(frameHeaderLen + frameBodyLen(hdr[:]))
		if frameLen > size-pos {
			return &CorruptError{Segment: s.base, Position: pos, Reason: "frame length exceeds segment"}
		}
		if enc.Uint64(hdr[frameOffsetPos:]) >= end {
			return nil
		}
		if !collecting && !want(hdr[:]) {
			pos += frameLen
			continue
		}
		collecting = true
		buf := make([]byte, frameLen)
		if err := s.log.readAt(buf, pos); err != nil {
			return err
		}
		view, err := parseMessage(buf)
		if err != nil {
			var c *CorruptError
			if errors.As(err, &c) {
				c.Segment = s.base
				c.Position = pos
			}
			return err
		}
		st.add(view)
		pos += frameLen
	}
	return nil
}
