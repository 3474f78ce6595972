package crypto

import "encoding/binary"

// NonceSize is the AES-256-GCM / ChaCha20-Poly1305 nonce size used
// throughout the envelope.
const NonceSize = 12

// DeriveNonce computes the deterministic AEAD nonce for
// (tenantID, segmentID, offset), per spec.md §4.1: nonces are never
// random, to eliminate birthday collisions at high throughput.
//
// Layout: the three values are written as little-endian u64s (24
// bytes) and the upper 12 bytes are XOR-folded onto the lower 12. When
// all three values are below 2^32 the result is tenant_lo32 ‖
// offset_lo32 ‖ segment_lo32, so such triples never share a nonce.
// Above that, the high halves are XORed into the other fields and
// distinct triples can produce the same nonce.
func DeriveNonce(tenantID, segmentID, offset uint64) [NonceSize]byte {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], tenantID)
	binary.LittleEndian.PutUint64(buf[8:16], segmentID)
	binary.LittleEndian.PutUint64(buf[16:24], offset)

	var out [NonceSize]byte
	copy(out[:], buf[:NonceSize])
	for i := NonceSize; i < len(buf); i++ {
		out[i-NonceSize] ^= buf[i]
	}
	return out
}
