package wire

import (
	"encoding/binary"
	"fmt"
)

// StreamType is the stream sub-frame's type byte (spec §4.5, §6). The
// integers are part of the wire contract and must not be renumbered.
type StreamType byte

const (
	StreamData       StreamType = 1
	StreamWriteDone  StreamType = 2
	StreamFinish     StreamType = 3
	StreamFailed     StreamType = 4
	StreamHeartbeat  StreamType = 5
)

func (t StreamType) String() string {
	switch t {
	case StreamData:
		return "data"
	case StreamWriteDone:
		return "write_done"
	case StreamFinish:
		return "finish"
	case StreamFailed:
		return "failed"
	case StreamHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("streamtype(%d)", byte(t))
	}
}

// Rank gives the monotonic ordering used to enforce spec §3's invariant
// "none < data < write_done < finish | failed". Heartbeat carries no
// ordering weight: it never advances or regresses stream status.
func (t StreamType) Rank() int {
	switch t {
	case StreamData:
		return 1
	case StreamWriteDone:
		return 2
	case StreamFinish, StreamFailed:
		return 3
	default:
		return 0
	}
}

// StreamHeaderSize is the fixed size of a stream sub-frame header: size
// (u32 LE) + type (u8).
const StreamHeaderSize = 5

// EncodeStreamPacket serializes a stream sub-frame: size:u32 LE, type:u8,
// payload.
func EncodeStreamPacket(t StreamType, payload []byte) []byte {
	buf := make([]byte, StreamHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = byte(t)
	copy(buf[5:], payload)
	return buf
}

// DecodeStreamHeader parses the 5-byte stream sub-frame header.
func DecodeStreamHeader(buf []byte) (size uint32, t StreamType, err error) {
	if len(buf) < StreamHeaderSize {
		return 0, 0, fmt.Errorf("wire: short stream header: %d bytes", len(buf))
	}
	size = binary.LittleEndian.Uint32(buf[0:4])
	t = StreamType(buf[4])
	return size, t, nil
}
