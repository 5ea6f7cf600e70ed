package log

import (
	"fmt"
	"os"
	"sync/atomic"
)

// store wraps a segment's append-only log file. Writes go through positional
// WriteAt at the tracked logical end; reads use ReadAt and may run
// concurrently with the writer. The logical size can differ from the physical
// file size when the file is preallocated, so it is tracked here rather than
// derived from stat.
type store struct {
	file *os.File
	path string
	size atomic.Int64
}

func openStore(path string) (*store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &store{file: f, path: path}, nil
}

func (s *store) sizeBytes() int64 { return s.size.Load() }

// setSize fixes the logical end of valid data. Recovery calls this after
// scanning; createSegment calls it with zero.
func (s *store) setSize(n int64) { s.size.Store(n) }

// preallocate sparse-extends the physical file so appends don't grow it.
func (s *store) preallocate(n int64) error {
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= n {
		return nil
	}
	return s.file.Truncate(n)
}

// append writes p contiguously at the current logical end, retrying short
// writes until the batch is complete, and returns the position it was written
// at. The size is advanced only after the full write succeeds, so concurrent
// readers never observe a half-written batch.
func (s *store) append(p []byte) (int64, error) {
	pos := s.size.Load()
	off := pos
	rest := p
	for len(rest) > 0 {
		n, err := s.file.WriteAt(rest, off)
		off += int64(n)
		rest = rest[n:]
		if err != nil {
			return pos, fmt.Errorf("write %s at %d: %w", s.path, pos, err)
		}
	}
	s.size.Add(int64(len(p)))
	return pos, nil
}

func (s *store) readAt(p []byte, off int64) error {
	if _, err := s.file.ReadAt(p, off); err != nil {
		return fmt.Errorf("read %s at %d: %w", s.path, off, err)
	}
	return nil
}

func (s *store) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return nil
}

// truncate cuts the file to n bytes and resets the logical size to match.
func (s *store) truncate(n int64) error {
	if err := s.file.Truncate(n); err != nil {
		return fmt.Errorf("truncate %s: %w", s.path, err)
	}
	s.size.Store(n)
	return nil
}

func (s *store) close() error {
	return s.file.Close()
}
