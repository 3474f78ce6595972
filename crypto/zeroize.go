package crypto

import "fmt"

// SecretBytes is a zeroizing container for key material: it is held in
// memory only for as long as needed and must be explicitly zeroized
// before being dropped. Go offers no stdlib or ecosystem equivalent to
// a locked/zeroizing allocator, so this is the minimal manual
// zero-fill-on-release discipline, not a security boundary against a
// hostile co-tenant process.
type SecretBytes struct {
	b       []byte
	zeroed  bool
	allZero bool
}

// NewSecretBytes wraps key material in a zeroizing container. An
// all-zero key is rejected: spec.md §4.1 treats that as an
// invariant-violating condition, never a usable key.
func NewSecretBytes(key []byte) (*SecretBytes, error) {
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, fmt.Errorf("crypto: zeroize: all-zero key rejected")
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &SecretBytes{b: cp}, nil
}

// Bytes returns the wrapped key material. Panics if the container has
// already been zeroized — using a released key is an invariant
// violation, not a recoverable error.
func (s *SecretBytes) Bytes() []byte {
	if s == nil || s.zeroed {
		panic("crypto: zeroize: use of zeroized key material")
	}
	return s.b
}

// Zero overwrites the underlying bytes with zero and marks the
// container unusable. Idempotent.
func (s *SecretBytes) Zero() {
	if s == nil || s.zeroed {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.zeroed = true
}
