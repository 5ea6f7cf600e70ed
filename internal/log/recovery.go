package log

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sealedValidationParallelism bounds how many sealed segments are validated
// concurrently at open.
const sealedValidationParallelism = 4

// recoverSegments enumerates the partition directory and rebuilds the roster.
// All segments but the last are opened as sealed and spot-checked; the last
// becomes the active tail after a full scan from its final index entry, with
// anything past the last intact message truncated away. An empty directory
// seeds a fresh segment at base offset zero.
func recoverSegments(dir string, cfg Config, logger *zap.Logger) ([]*segment, error) {
	bases, err := listSegmentBases(dir)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		s, err := createSegment(dir, 0, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := syncDir(dir); err != nil {
			return nil, multierr.Append(err, s.close())
		}
		return []*segment{s}, nil
	}

	segments := make([]*segment, len(bases))
	closeAll := func(base error) error {
		for _, s := range segments {
			if s != nil {
				base = multierr.Append(base, s.close())
			}
		}
		return base
	}

	g := new(errgroup.Group)
	g.SetLimit(sealedValidationParallelism)
	for i, base := range bases[:len(bases)-1] {
		i, base := i, base
		g.Go(func() error {
			s, err := openSealedSegment(dir, base, cfg, logger)
			if err != nil {
				return err
			}
			segments[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, closeAll(err)
	}

	tail, err := openActiveSegment(dir, bases[len(bases)-1], cfg, logger)
	if err != nil {
		return nil, closeAll(err)
	}
	segments[len(segments)-1] = tail

	for i := 0; i < len(segments)-1; i++ {
		if got := segments[i+1].base; got != segments[i].nextOffset.Load() {
			return nil, closeAll(&CorruptError{
				Segment: got,
				Reason: fmt.Sprintf("segment base %d does not continue previous end %d",
					got, segments[i].nextOffset.Load()),
			})
		}
	}
	return segments, nil
}

// listSegmentBases parses base offsets out of the `<base:020>.log` file names
// and returns them ascending.
func listSegmentBases(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read partition dir: %w", err)
	}
	var bases []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// openSealedSegment opens an immutable segment and spot-checks it: the index
// must hold at least one verifiable entry, and the run from the last such
// entry to end of file must parse cleanly. A segment the crash caught between
// rollover and seal may still carry a preallocated tail or unfinished index;
// validation finishes the seal instead of failing the open.
func openSealedSegment(dir string, base uint64, cfg Config, logger *zap.Logger) (*segment, error) {
	st, err := openStore(segmentLogPath(dir, base))
	if err != nil {
		return nil, err
	}
	fi, err := st.file.Stat()
	if err != nil {
		return nil, multierr.Append(err, st.close())
	}
	st.setSize(fi.Size())

	idx, err := openIndex(segmentIndexPath(dir, base), cfg.maxIndexEntries(), true)
	if err != nil {
		return nil, multierr.Append(err, st.close())
	}
	s := &segment{base: base, log: st, idx: idx, cfg: cfg, logger: logger}
	s.state.Store(int32(segmentSealed))

	// Walk index entries back until one points at a clean tail run.
	for n := idx.entries(); n > 0; n-- {
		e := idx.at(n - 1)
		run, scanErr := scanRun(s, int64(e.position), st.sizeBytes())
		if !run.found {
			continue
		}
		if e.relOffset > uint32(run.lastOff-base) {
			continue
		}
		if n < idx.entries() {
			logger.Warn("dropping unverifiable sealed index entries",
				zap.Uint64("base_offset", base),
				zap.Int("dropped", idx.entries()-n))
			idx.truncateTo(n)
		}
		if scanErr != nil {
			// Unfinished seal: cut the trailing garbage and finish it now.
			logger.Warn("finishing interrupted seal",
				zap.Uint64("base_offset", base),
				zap.Int64("truncate_to", run.end),
				zap.Error(scanErr))
			if err := st.truncate(run.end); err != nil {
				return nil, recoveryFail(s, err)
			}
			if err := st.sync(); err != nil {
				return nil, recoveryFail(s, err)
			}
		}
		if err := idx.seal(); err != nil {
			return nil, recoveryFail(s, err)
		}
		s.nextOffset.Store(run.lastOff + 1)
		s.endTs.Store(run.lastTs)
		return s, nil
	}
	return nil, recoveryFail(s, &CorruptError{Segment: base, Reason: "sealed segment has no verifiable index entry"})
}

func recoveryFail(s *segment, err error) error {
	return multierr.Append(err, s.close())
}

// tailRun is the outcome of validating frames from a position to end of data.
type tailRun struct {
	lastOff uint64
	lastTs  int64
	end     int64
	found   bool
}

// scanRun validates every frame from pos toward size. It stops at the first
// damaged frame and reports how far the intact run reached; err carries the
// corruption that ended the scan, nil on clean end of data.
func scanRun(s *segment, pos, size int64) (tailRun, error) {
	var run tailRun
	run.end = pos
	for pos < size {
		view, frameLen, err := readFrame(s, pos, size)
		if err != nil {
			return run, err
		}
		if run.found && view.Offset() != run.lastOff+1 {
			return run, &CorruptError{Segment: s.base, Position: pos, Reason: "offset gap"}
		}
		run.lastOff, run.lastTs = view.Offset(), view.Timestamp()
		run.found = true
		pos += frameLen
		run.end = pos
	}
	return run, nil
}

// readFrame reads and validates one frame at pos, bounded by size.
func readFrame(s *segment, pos, size int64) (MessageView, int64, error) {
	var hdr [frameHeaderLen]byte
	if size-pos < frameHeaderLen {
		return MessageView{}, 0, &CorruptError{Segment: s.base, Position: pos, Reason: "truncated header"}
	}
	if err := s.log.readAt(hdr[:], pos); err != nil {
		return MessageView{}, 0, err
	}
	frameLen := int64(frameHeaderLen + frameBodyLen(hdr[:]))
	if frameLen > size-pos {
		return MessageView{}, 0, &CorruptError{Segment: s.base, Position: pos, Reason: "frame length exceeds segment"}
	}
	buf := make([]byte, frameLen)
	if err := s.log.readAt(buf, pos); err != nil {
		return MessageView{}, 0, err
	}
	view, err := parseMessage(buf)
	if err != nil {
		var c *CorruptError
		if errors.As(err, &c) {
			c.Segment = s.base
			c.Position = pos
		}
		return MessageView{}, 0, err
	}
	return view, frameLen, nil
}

// openActiveSegment reopens the tail segment for writing. Index entries are
// verified in order against the log file; the log is then scanned forward
// from the last trusted entry, stopping at the first corruption. Bytes past
// the last intact message are truncated, orphaned index entries dropped, and
// entries missing for the scanned run rebuilt at the configured stride.
func openActiveSegment(dir string, base uint64, cfg Config, logger *zap.Logger) (*segment, error) {
	st, err := openStore(segmentLogPath(dir, base))
	if err != nil {
		return nil, err
	}
	fi, err := st.file.Stat()
	if err != nil {
		return nil, multierr.Append(err, st.close())
	}
	physical := fi.Size()
	st.setSize(physical)

	idx, err := openIndex(segmentIndexPath(dir, base), cfg.maxIndexEntries(), false)
	if err != nil {
		return nil, multierr.Append(err, st.close())
	}
	s := &segment{base: base, log: st, idx: idx, cfg: cfg, logger: logger}
	s.nextOffset.Store(base)

	// Trust index entries only as far as they point at parseable messages
	// with matching offsets.
	trusted := 0
	for n := 0; n < idx.entries(); n++ {
		e := idx.at(n)
		view, _, err := readFrame(s, int64(e.position), physical)
		if err != nil || view.Offset() != base+uint64(e.relOffset) {
			break
		}
		trusted = n + 1
	}
	if dropped := idx.entries() - trusted; dropped > 0 {
		logger.Warn("dropping unverifiable index entries",
			zap.Uint64("base_offset", base),
			zap.Int("dropped", dropped))
	}
	idx.truncateTo(trusted)

	scanStart := int64(0)
	expect := base
	if trusted > 0 {
		e := idx.at(trusted - 1)
		scanStart = int64(e.position)
		expect = base + uint64(e.relOffset)
	}

	// Scan forward validating checksums and offset contiguity, rebuilding
	// sparse index entries for any flushed data the index never recorded.
	pos := scanStart
	var run tailRun
	run.end = scanStart
	sinceEntry := int64(0)
	for pos < physical {
		view, frameLen, ferr := readFrame(s, pos, physical)
		if ferr != nil {
			logger.Warn("truncating log at corrupt tail",
				zap.Uint64("base_offset", base),
				zap.Int64("position", pos),
				zap.Error(ferr))
			break
		}
		if view.Offset() != expect {
			logger.Warn("truncating log at offset discontinuity",
				zap.Uint64("base_offset", base),
				zap.Int64("position", pos),
				zap.Uint64("expected", expect),
				zap.Uint64("got", view.Offset()))
			break
		}
		if pos > scanStart || trusted == 0 {
			sinceEntry += frameLen
			if (trusted == 0 && pos == 0) || sinceEntry >= cfg.IndexStrideBytes {
				err := idx.append(indexEntry{
					relOffset: uint32(view.Offset() - base),
					timestamp: view.Timestamp(),
					position:  uint32(pos),
				})
				if err == nil {
					sinceEntry = 0
				}
			}
		}
		run.lastOff, run.lastTs = view.Offset(), view.Timestamp()
		run.found = true
		s.lastFrameAbs = pos
		pos += frameLen
		run.end = pos
		expect = run.lastOff + 1
	}

	if run.end < physical {
		if err := st.truncate(run.end); err != nil {
			return nil, recoveryFail(s, err)
		}
		if cfg.Preallocate {
			if err := st.preallocate(cfg.SegmentMaxBytes); err != nil {
				return nil, recoveryFail(s, err)
			}
		}
	}
	st.setSize(run.end)

	if !run.found {
		// Nothing intact: the log starts at this segment's base with zero
		// messages.
		idx.truncateTo(0)
		s.nextOffset.Store(base)
		return s, nil
	}
	s.nextOffset.Store(run.lastOff + 1)
	s.endTs.Store(run.lastTs)
	if err := s.flush(); err != nil {
		return nil, recoveryFail(s, err)
	}
	return s, nil
}
