// Package crypto is the envelope component: hashing, AEAD, and signatures
// used by every other component, exposed behind a narrow provider
// interface so the primitives stay swappable and testable.
package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Provider is the capability interface every component depends on
// instead of importing crypto/* directly. There is exactly one
// production implementation (DefaultProvider); tests may substitute
// their own.
type Provider interface {
	// HashCompliance is SHA-256. Required for anything that crosses an
	// audit boundary: the log's hash chain, checkpoint digests, signed
	// exports.
	HashCompliance(data []byte) [32]byte

	// HashFast is BLAKE3. Used only for internal content addressing and
	// message checksums; never for anything audited.
	HashFast(data []byte) [32]byte

	// AEADEncrypt seals plaintext under key with a nonce the caller
	// derives deterministically (spec: never random). Returns
	// ciphertext‖tag.
	AEADEncrypt(key, nonce, aad, plaintext []byte) ([]byte, error)
	// AEADDecrypt opens a value produced by AEADEncrypt. Returns
	// ErrDecryptionFailed on any authentication failure.
	AEADDecrypt(key, nonce, aad, sealed []byte) ([]byte, error)

	// Sign produces an Ed25519 signature over msg.
	Sign(sk ed25519.PrivateKey, msg []byte) []byte
	// Verify reports whether sig is a valid Ed25519 signature over msg
	// under pk.
	Verify(pk ed25519.PublicKey, msg, sig []byte) bool
}

// ErrDecryptionFailed is returned by AEADDecrypt on any authentication
// or framing failure. It intentionally carries no further detail: an
// attacker probing for why decryption failed must not learn anything
// from the error.
var ErrDecryptionFailed = fmt.Errorf("crypto: decryption failed")
