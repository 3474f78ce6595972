package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every key in the hierarchy
// (AES-256 / the HKDF output size used throughout).
const KeySize = 32

// KeyHierarchy derives the Master → per-tenant KEK → per-segment DEK
// chain (spec.md §4.1). The master key is read once at process start
// (spec.md §9 "Globals") and held for the process lifetime; every
// derived key is independent HKDF output, not a literal substring of
// its parent, so compromising a DEK never reveals the KEK or master.
type KeyHierarchy struct {
	master *SecretBytes
}

// NewKeyHierarchy wraps a master key. The caller retains ownership of
// master and should zeroize its own copy once this call returns.
func NewKeyHierarchy(master []byte) (*KeyHierarchy, error) {
	sb, err := NewSecretBytes(master)
	if err != nil {
		return nil, fmt.Errorf("crypto: key hierarchy: %w", err)
	}
	return &KeyHierarchy{master: sb}, nil
}

// Shutdown zeroizes the master key. After Shutdown, DeriveTenantKEK
// must not be called.
func (h *KeyHierarchy) Shutdown() {
	h.master.Zero()
}

func hkdfDerive(secret, salt, info []byte) (*SecretBytes, error) {
	r := hkdf.New(hashNewSHA256, secret, salt, info)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	sb, err := NewSecretBytes(out)
	for i := range out {
		out[i] = 0
	}
	return sb, err
}

// DeriveTenantKEK derives the per-tenant key-encryption-key from the
// master key. Callers must call Zero on the returned key when done.
func (h *KeyHierarchy) DeriveTenantKEK(tenantID uint64) (*SecretBytes, error) {
	info := encodeTenantInfo(tenantID)
	return hkdfDerive(h.master.Bytes(), []byte("kimberlite/kek"), info)
}

// DeriveSegmentDEK derives the per-segment data-encryption-key from a
// tenant KEK. The caller owns kek and is responsible for zeroizing it;
// this call does not consume it.
func DeriveSegmentDEK(kek *SecretBytes, segmentID uint64) (*SecretBytes, error) {
	info := encodeSegmentInfo(segmentID)
	return hkdfDerive(kek.Bytes(), []byte("kimberlite/dek"), info)
}

func encodeTenantInfo(tenantID uint64) []byte {
	return encodeU64("tenant", tenantID)
}

func encodeSegmentInfo(segmentID uint64) []byte {
	return encodeU64("segment", segmentID)
}

func encodeU64(label string, v uint64) []byte {
	out := make([]byte, len(label)+8)
	copy(out, label)
	for i := 0; i < 8; i++ {
		out[len(label)+i] = byte(v >> (56 - 8*i))
	}
	return out
}
