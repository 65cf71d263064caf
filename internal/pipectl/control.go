// Package pipectl implements the protocol-pipe control frame of spec
// §3/§4.10 (C11): a length-prefixed ASCII key/value frame carried inside a
// traffic-proxy connection that lets a client pick a forward pipeline
// dynamically or register a new route.
//
// There is no teacher analogue for a text key/value control frame -- the
// mining proxy speaks line-delimited JSON only -- so the codec here is
// grounded directly on the original source's forward_pipe_codec.hpp
// (`_examples/original_source/src/rpc/proxy/protocal_pipe/
// forward_pipe_codec.hpp`): same magic byte, same 4-ASCII-digit length
// fields, same '#' key/value separator.
package pipectl

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/carlosrabelo/karoorpc/internal/forward"
)

const (
	// Magic is the leading byte of every protocol-pipe control frame.
	Magic = '*'
	// LenDigits is the width of every ASCII length field in the frame.
	LenDigits = 4
	// MaxPayload is the largest payload (excluding magic+length) a frame
	// may carry.
	MaxPayload = 9999

	keySplit = '#'
)

// ForwardProtocol is spec §4.10's forward_protocal selector.
type ForwardProtocol string

const (
	ForwardRaw       ForwardProtocol = "raw"
	ForwardWebSocket ForwardProtocol = "websocket"
	ForwardAddServer ForwardProtocol = "add_server"
)

// Request is a decoded protocol-pipe control frame.
type Request struct {
	SOCKS5Option    forward.Option
	SSLOption       forward.Option
	ForwardProtocal ForwardProtocol
	DstHost         string
	DstService      string
	RoutePath       string
}

// RequiresForwardPhase reports whether the request needs the connection to
// proceed into an actual forwarding pipeline after the control response,
// as opposed to add_server, which completes and closes immediately (spec
// §4.10: "if the control frame's forward_protocal does not require a
// forwarding phase ... the connection is closed after the response").
func (r Request) RequiresForwardPhase() bool {
	return r.ForwardProtocal == ForwardRaw || r.ForwardProtocal == ForwardWebSocket
}

// Response is the control plane's reply frame: a success/failure code and
// a human-readable message (spec §4.10).
type Response struct {
	Code int
	Msg  string
}

// OK builds a success response.
func OK(msg string) Response { return Response{Code: 0, Msg: msg} }

// Fail builds a failure response.
func Fail(msg string) Response { return Response{Code: 1, Msg: msg} }

// DecodeRequest reads one protocol-pipe control frame from br: the magic
// byte, the 4-digit ASCII payload length, then that many bytes of
// '#'-delimited, length-prefixed key/value pairs.
func DecodeRequest(br *bufio.Reader) (*Request, error) {
	magic, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("pipectl: read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("pipectl: bad magic %#x", magic)
	}

	payloadLen, err := readASCIILen(br)
	if err != nil {
		return nil, fmt.Errorf("pipectl: read frame length: %w", err)
	}
	if payloadLen == 0 || payloadLen > MaxPayload {
		return nil, fmt.Errorf("pipectl: frame length %d out of range", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("pipectl: read payload: %w", err)
	}

	return parsePayload(payload)
}

func parsePayload(payload []byte) (*Request, error) {
	req := &Request{}
	pos := 0
	for pos < len(payload) {
		sep := indexByte(payload[pos:], keySplit)
		if sep < 0 {
			return nil, fmt.Errorf("pipectl: missing %q after key", string(keySplit))
		}
		key := string(payload[pos : pos+sep])
		pos += sep + 1

		if pos+LenDigits > len(payload) {
			return nil, fmt.Errorf("pipectl: truncated value length for key %q", key)
		}
		vlen, err := strconv.Atoi(string(payload[pos : pos+LenDigits]))
		if err != nil {
			return nil, fmt.Errorf("pipectl: bad value length for key %q: %w", key, err)
		}
		pos += LenDigits
		if pos+vlen > len(payload) {
			return nil, fmt.Errorf("pipectl: truncated value for key %q", key)
		}
		value := string(payload[pos : pos+vlen])
		pos += vlen

		if err := req.applyField(key, value); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (r *Request) applyField(key, value string) error {
	switch key {
	case "socks5_option":
		opt, err := forward.ParseOption(value)
		if err != nil {
			return fmt.Errorf("pipectl: %w", err)
		}
		r.SOCKS5Option = opt
	case "ssl_option":
		opt, err := forward.ParseOption(value)
		if err != nil {
			return fmt.Errorf("pipectl: %w", err)
		}
		r.SSLOption = opt
	case "forward_protocal":
		switch ForwardProtocol(value) {
		case ForwardRaw, ForwardWebSocket, ForwardAddServer:
			r.ForwardProtocal = ForwardProtocol(value)
		default:
			return fmt.Errorf("pipectl: unknown forward_protocal %q", value)
		}
	case "dst_host":
		r.DstHost = value
	case "dst_service":
		r.DstService = value
	case "route_path":
		r.RoutePath = value
	default:
		return fmt.Errorf("pipectl: unknown key %q", key)
	}
	return nil
}

// Encode serializes resp as a protocol-pipe control frame.
func (resp Response) Encode() []byte {
	body := encodeField("code", strconv.Itoa(resp.Code)) + encodeField("msg", resp.Msg)
	return []byte(fmt.Sprintf("%c%0*d%s", Magic, LenDigits, len(body), body))
}

// encodeField renders one key/value pair as `key#vlen(4)value`.
func encodeField(key, value string) string {
	return fmt.Sprintf("%s%c%0*d%s", key, keySplit, LenDigits, len(value), value)
}

func readASCIILen(br *bufio.Reader) (int, error) {
	buf := make([]byte, LenDigits)
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, err
	}
	return strconv.Atoi(string(buf))
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
