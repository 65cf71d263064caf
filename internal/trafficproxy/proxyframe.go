package trafficproxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Proxy request frame constants (spec §3, §4.7). Field layout and the
// checksum/mask scheme are pinned by the original source's
// proxy_encode_request (`_examples/original_source/src/rpc/proxy/
// proxy_encoder.h`): magic(1)=0x28, payload_len(4 LE), check_sum(4),
// mask(4), service_len(4), field_len(4), token_len(4), service, field,
// token, with the payload XOR-masked and a 4-lane running XOR checksum
// computed over the cleartext before masking.
const (
	maxProxyPayload = 32 * 1024

	lenFieldsSize = 4 * 5 // payload_len is read separately; these five are within payload
)

// AckBytes is the literal verification bytes the server writes back on a
// successful proxy handoff (spec §3's kVerifyStr, §4.7 step 7).
var AckBytes = []byte("ok")

// proxyFrame is a decoded proxy request frame's routing triple.
type proxyFrame struct {
	Service string
	Field   string
	Token   string
}

// decodeProxyFrame reads the proxy request frame's payload_len plus body
// from br (the leading magic byte has already been consumed by the
// caller's dispatch sniff) and validates the mask/checksum.
func decodeProxyFrame(br *bufio.Reader) (*proxyFrame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(br, lenBuf); err != nil {
		return nil, fmt.Errorf("trafficproxy: read payload_len: %w", err)
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf)
	if payloadLen < lenFieldsSize || payloadLen > maxProxyPayload {
		return nil, fmt.Errorf("trafficproxy: payload_len %d out of range", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("trafficproxy: read payload: %w", err)
	}

	checkSum := [4]byte{payload[0], payload[1], payload[2], payload[3]}
	mask := [4]byte{payload[4], payload[5], payload[6], payload[7]}
	data := payload[8:]

	// Unmask in place, then verify the cleartext's 4-lane running XOR
	// equals the transmitted checksum (spec §3: "the check_sum bytes and
	// the mask align to produce a zero XOR over the payload"). The XOR
	// must accumulate over the unmasked (cleartext) byte, not the masked
	// wire byte, so unmask each byte before folding it into gotSum.
	var gotSum [4]byte
	for i := range data {
		data[i] ^= mask[i%4]
		gotSum[i%4] ^= data[i]
	}
	if gotSum != checkSum {
		return nil, fmt.Errorf("trafficproxy: checksum mismatch")
	}

	if len(data) < 12 {
		return nil, fmt.Errorf("trafficproxy: payload too short for length fields")
	}
	serviceLen := binary.LittleEndian.Uint32(data[0:4])
	fieldLen := binary.LittleEndian.Uint32(data[4:8])
	tokenLen := binary.LittleEndian.Uint32(data[8:12])
	rest := data[12:]

	want := uint64(serviceLen) + uint64(fieldLen) + uint64(tokenLen)
	if want != uint64(len(rest)) {
		return nil, fmt.Errorf("trafficproxy: service/field/token lengths don't match payload")
	}

	service := string(rest[:serviceLen])
	rest = rest[serviceLen:]
	field := string(rest[:fieldLen])
	rest = rest[fieldLen:]
	token := string(rest[:tokenLen])

	return &proxyFrame{Service: service, Field: field, Token: token}, nil
}
