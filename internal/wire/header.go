// Package wire implements the fixed 18-byte RPC frame header (spec §3, §4.1):
// parsing, serialization, and the stable method-name hash used for func_id.
// It is deliberately pure: it never touches a socket, and its only
// allocations are the output buffers of its encode functions.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic bytes that decide, on the very first byte of a connection, whether
// the socket carries RPC frames or traffic-proxy control frames.
const (
	MagicRPC   byte = 0x27
	MagicProxy byte = 0x28
)

// ReqType is the frame's req_type byte (spec §3).
type ReqType byte

const (
	ReqCall        ReqType = 1 // req
	ReqSubscribe   ReqType = 2 // subscribe
	ReqUnsubscribe ReqType = 3 // unsubscribe
	ReqPublish     ReqType = 4 // publish
	ReqHeartbeat   ReqType = 5 // heartbeat
	ReqResponse    ReqType = 6 // res
	ReqStream      ReqType = 7 // stream
)

func (t ReqType) String() string {
	switch t {
	case ReqCall:
		return "req"
	case ReqSubscribe:
		return "subscribe"
	case ReqUnsubscribe:
		return "unsubscribe"
	case ReqPublish:
		return "publish"
	case ReqHeartbeat:
		return "heartbeat"
	case ReqResponse:
		return "res"
	case ReqStream:
		return "stream"
	default:
		return fmt.Sprintf("reqtype(%d)", byte(t))
	}
}

// HeaderSize is the fixed, on-wire size of a Header in bytes.
const HeaderSize = 18

// MaxBodyHardCap is the absolute ceiling body_len can ever express (u32),
// i.e. 4 GiB. Deployments configure a lower cap (spec default 4 GiB, test
// cap 256 MiB) via rpcconn.Config.MaxBodyLen.
const MaxBodyHardCap = 1<<32 - 1

// Header is the fixed 18-byte RPC frame header.
type Header struct {
	Magic   byte
	ReqType ReqType
	BodyLen uint32
	ReqID   uint64
	FuncID  uint32
}

// Encode serializes h into a freshly allocated 18-byte buffer, little-endian.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeInto(buf)
	return buf
}

// EncodeInto writes h into buf, which must be at least HeaderSize bytes.
func (h Header) EncodeInto(buf []byte) {
	_ = buf[HeaderSize-1] // bounds check hint
	buf[0] = h.Magic
	buf[1] = byte(h.ReqType)
	binary.LittleEndian.PutUint32(buf[2:6], h.BodyLen)
	binary.LittleEndian.PutUint64(buf[6:14], h.ReqID)
	binary.LittleEndian.PutUint32(buf[14:18], h.FuncID)
}

// DecodeHeader parses an 18-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	return Header{
		Magic:   buf[0],
		ReqType: ReqType(buf[1]),
		BodyLen: binary.LittleEndian.Uint32(buf[2:6]),
		ReqID:   binary.LittleEndian.Uint64(buf[6:14]),
		FuncID:  binary.LittleEndian.Uint32(buf[14:18]),
	}, nil
}
