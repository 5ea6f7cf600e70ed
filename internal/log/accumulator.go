package log

import (
	"sync"

	"github.com/google/uuid"
)

// batch is one drained accumulation: contiguous framed messages that will be
// written and indexed as a unit.
type batch struct {
	data        []byte
	firstOffset uint64
	lastOffset  uint64
	firstTs     int64
	lastTs      int64
	// lastFramePos is the byte position of the final message's frame within
	// data, used by seal to index the segment's last message.
	lastFramePos int
	count        int
}

// bufferPool recycles batch buffers in two capacity classes so a stream of
// small flushes doesn't pin a full-size buffer per batch.
type bufferPool struct {
	smallCap int
	fullCap  int
	small    sync.Pool
	full     sync.Pool
}

func newBufferPool(batchMaxBytes int) *bufferPool {
	p := &bufferPool{
		smallCap: batchMaxBytes / 4,
		fullCap:  batchMaxBytes,
	}
	if p.smallCap < frameHeaderLen {
		p.smallCap = frameHeaderLen
	}
	p.small.New = func() interface{} { return make([]byte, 0, p.smallCap) }
	p.full.New = func() interface{} { return make([]byte, 0, p.fullCap) }
	return p
}

func (p *bufferPool) get(need int) []byte {
	if need <= p.smallCap {
		return p.small.Get().([]byte)[:0]
	}
	return p.full.Get().([]byte)[:0]
}

func (p *bufferPool) put(b []byte) {
	switch {
	case cap(b) >= p.fullCap:
		p.full.Put(b)
	case cap(b) >= p.smallCap:
		p.small.Put(b)
	}
}

// accumulator coalesces messages into the current unflushed batch. It owns
// the partition's next-offset cursor while the write lock is held and stamps
// each message with a timestamp clamped to never run backward, keeping
// per-segment timestamps non-decreasing when the clock does not cooperate.
type accumulator struct {
	pool        *bufferPool
	clock       Clock
	maxBytes    int
	maxMessages int

	data         []byte
	count        int
	nextOffset   uint64
	firstOffset  uint64
	firstTs      int64
	lastTs       int64
	lastFramePos int
	clampTs      int64
}

func newAccumulator(cfg Config, nextOffset uint64) *accumulator {
	return &accumulator{
		pool:        newBufferPool(cfg.BatchMaxBytes),
		clock:       cfg.Clock,
		maxBytes:    cfg.BatchMaxBytes,
		maxMessages: cfg.BatchMaxMessages,
		nextOffset:  nextOffset,
	}
}

// add stamps the message with the next offset and a clamped timestamp and
// frames it into the batch buffer. When the message would exceed a bound,
// ErrBatchFull is returned and nothing is written; a message too large for an
// empty batch is admitted alone. The assigned offset is returned.
func (a *accumulator) add(m Message) (uint64, error) {
	need := m.frameLen()
	if a.count > 0 && (len(a.data)+need > a.maxBytes || a.count >= a.maxMessages) {
		return 0, ErrBatchFull
	}
	ts := a.clock.Now().UnixNano()
	if ts < a.clampTs {
		ts = a.clampTs
	}
	a.clampTs = ts
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	off := a.nextOffset
	if a.count == 0 {
		if a.data == nil {
			a.data = a.pool.get(need)
		}
		a.firstOffset = off
		a.firstTs = ts
	}
	a.lastFramePos = len(a.data)
	a.data = appendFrame(a.data, off, ts, m)
	a.lastTs = ts
	a.nextOffset++
	a.count++
	return off, nil
}

// drain hands the accumulated batch to the caller and resets the buffer. The
// caller returns the batch buffer through release once written out.
func (a *accumulator) drain() (batch, bool) {
	if a.count == 0 {
		return batch{}, false
	}
	b := batch{
		data:         a.data,
		firstOffset:  a.firstOffset,
		lastOffset:   a.nextOffset - 1,
		firstTs:      a.firstTs,
		lastTs:       a.lastTs,
		lastFramePos: a.lastFramePos,
		count:        a.count,
	}
	a.data = nil
	a.count = 0
	return b, true
}

func (a *accumulator) release(b batch) {
	a.pool.put(b.data)
}

// rewind resets the next-offset cursor after a failed batch write so offset
// assignment continues from the durable end of the log.
func (a *accumulator) rewind(to uint64) {
	a.nextOffset = to
}

func (a *accumulator) empty() bool { return a.count == 0 }

func (a *accumulator) sizeBytes() int { return len(a.data) }

func (a *accumulator) pending() int { return a.count }

func (a *accumulator) next() uint64 { return a.nextOffset }
