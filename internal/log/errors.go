package log

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for any operation on a closed log.
	ErrClosed = errors.New("partition log is closed")

	// ErrNotFound is returned when a requested offset or timestamp precedes
	// the oldest retained segment.
	ErrNotFound = errors.New("offset not retained by this log")

	// ErrBatchFull is reported by the accumulator when adding one more
	// message would exceed a batch bound. Nothing is written partially; the
	// caller must drain the current batch first.
	ErrBatchFull = errors.New("batch is full")

	// ErrSegmentSealed is returned on attempts to append to a segment that
	// is no longer active.
	ErrSegmentSealed = errors.New("segment is sealed")

	// errIndexFull signals that the index file has no slot left. The segment
	// treats it as a rollover condition, not a failure.
	errIndexFull = errors.New("index is full")
)

// ErrOffsetOutOfRange is returned when a read targets an offset beyond the
// log's next offset.
type ErrOffsetOutOfRange struct {
	Offset uint64
	Next   uint64
}

func (e ErrOffsetOutOfRange) Error() string {
	return fmt.Sprintf("offset %d out of range: next offset is %d", e.Offset, e.Next)
}

// CorruptError describes damaged on-disk data: a checksum mismatch, an
// impossible length, or an index inconsistency. Segment is the base offset of
// the segment holding the damage, Position the byte position within its log
// file.
type CorruptError struct {
	Segment  uint64
	Position int64
	Reason   string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt segment %d at position %d: %s", e.Segment, e.Position, e.Reason)
}

// MonotonicityError is returned by the index when an appended entry does not
// advance past the previous one.
type MonotonicityError struct {
	Field string
	Prev  int64
	Next  int64
}

func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("index %s not monotonic: %d after %d", e.Field, e.Next, e.Prev)
}
