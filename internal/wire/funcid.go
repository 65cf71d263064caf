package wire

import "github.com/cespare/xxhash/v2"

// FuncID computes the stable 32-bit method-name hash that goes on the wire
// as the frame header's func_id (spec §3, §9 open question: "the exact
// 32-bit method-name hash used on the wire must be pinned by the
// implementation ... any stable hash agreed by both peers suffices"). Both
// client and server must use this same function, which is why it lives in
// the shared wire package rather than in the router or the client.
//
// xxhash64 truncated to the low 32 bits is used instead of an MD5-derived
// truncation (what the original C++ source did): it is a real, already
// vendored dependency, has no cryptographic pretense to misplace trust in,
// and collides no more often in practice for short ASCII method names.
func FuncID(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}
