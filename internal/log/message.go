package log

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

// enc is the byte order for everything persisted: message frames and index
// entries.
var enc = binary.LittleEndian

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Frame layout. Each message is self-delimiting: the fixed header carries the
// lengths of both variable sections. The checksum covers every byte after the
// checksum field, which is the headers blob followed by the payload.
const (
	frameOffsetPos     = 0
	frameTimestampPos  = 8
	frameIDPos         = 16
	framePayloadLenPos = 32
	frameHeadersLenPos = 36
	frameChecksumPos   = 40
	frameHeaderLen     = 44
)

// Message is a single record handed to Append. Offset and timestamp are
// assigned by the log; a zero ID is replaced with a fresh one at append time.
// Headers is an opaque blob of user metadata stored alongside the payload.
type Message struct {
	ID      uuid.UUID
	Headers []byte
	Payload []byte
}

func (m Message) frameLen() int {
	return frameHeaderLen + len(m.Headers) + len(m.Payload)
}

// MessageView is a read-only view over one framed message in a byte buffer.
// Accessors slice into the underlying buffer without copying.
type MessageView struct {
	raw []byte
}

func (v MessageView) Offset() uint64 {
	return enc.Uint64(v.raw[frameOffsetPos:])
}

// Timestamp returns the assigned timestamp in nanoseconds since the Unix
// epoch.
func (v MessageView) Timestamp() int64 {
	return int64(enc.Uint64(v.raw[frameTimestampPos:]))
}

func (v MessageView) ID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], v.raw[frameIDPos:frameIDPos+16])
	return id
}

func (v MessageView) Headers() []byte {
	n := enc.Uint32(v.raw[frameHeadersLenPos:])
	return v.raw[frameHeaderLen : frameHeaderLen+int(n)]
}

func (v MessageView) Payload() []byte {
	h := enc.Uint32(v.raw[frameHeadersLenPos:])
	return v.raw[frameHeaderLen+int(h):]
}

func (v MessageView) Checksum() uint32 {
	return enc.Uint32(v.raw[frameChecksumPos:])
}

// FrameLen is the total on-disk length of the message, header included.
func (v MessageView) FrameLen() int {
	return len(v.raw)
}

// appendFrame encodes one message into dst and returns the extended slice.
func appendFrame(dst []byte, offset uint64, timestamp int64, m Message) []byte {
	var hdr [frameHeaderLen]byte
	enc.PutUint64(hdr[frameOffsetPos:], offset)
	enc.PutUint64(hdr[frameTimestampPos:], uint64(timestamp))
	copy(hdr[frameIDPos:frameIDPos+16], m.ID[:])
	enc.PutUint32(hdr[framePayloadLenPos:], uint32(len(m.Payload)))
	enc.PutUint32(hdr[frameHeadersLenPos:], uint32(len(m.Headers)))

	crc := crc32.Update(0, castagnoli, m.Headers)
	crc = crc32.Update(crc, castagnoli, m.Payload)
	enc.PutUint32(hdr[frameChecksumPos:], crc)

	dst = append(dst, hdr[:]...)
	dst = append(dst, m.Headers...)
	dst = append(dst, m.Payload...)
	return dst
}

// frameBodyLen reads the variable-section length out of a frame header.
func frameBodyLen(hdr []byte) int {
	return int(enc.Uint32(hdr[framePayloadLenPos:])) + int(enc.Uint32(hdr[frameHeadersLenPos:]))
}

// parseMessage validates a framed message and returns a view over it. The
// slice must hold exactly one frame. Validation failures come back as a
// CorruptError naming the offending field; Segment and Position are filled in
// by the caller.
func parseMessage(b []byte) (MessageView, error) {
	if len(b) < frameHeaderLen {
		return MessageView{}, &CorruptError{Reason: "short header"}
	}
	if want := frameHeaderLen + frameBodyLen(b); len(b) != want {
		return MessageView{}, &CorruptError{Reason: "length mismatch"}
	}
	if enc.Uint64(b[frameTimestampPos:]) == 0 {
		return MessageView{}, &CorruptError{Reason: "zero timestamp"}
	}
	crc := crc32.Checksum(b[frameHeaderLen:], castagnoli)
	if crc != enc.Uint32(b[frameChecksumPos:]) {
		return MessageView{}, &CorruptError{Reason: "checksum mismatch"}
	}
	return MessageView{raw: b}, nil
}
