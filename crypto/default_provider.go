package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

// AEADSuite selects which AEAD construction DefaultProvider uses.
type AEADSuite int

const (
	// AEADSuiteAES256GCM is the default: AES-256-GCM, per spec.md §4.1.
	AEADSuiteAES256GCM AEADSuite = iota
	// AEADSuiteChaCha20Poly1305 is the software-only alternate suite,
	// for hosts where AES-NI isn't assumed. It is used only when a
	// caller sets DefaultProvider.Suite to it.
	AEADSuiteChaCha20Poly1305
)

// DefaultProvider is the production Provider: SHA-256 for compliance
// hashing, BLAKE3 for fast hashing, AES-256-GCM (or ChaCha20-Poly1305)
// for AEAD, and Ed25519 for signatures.
type DefaultProvider struct {
	Suite AEADSuite
}

// NewDefaultProvider constructs a DefaultProvider using AES-256-GCM.
func NewDefaultProvider() DefaultProvider {
	return DefaultProvider{Suite: AEADSuiteAES256GCM}
}

func (p DefaultProvider) HashCompliance(data []byte) [32]byte {
	return hashCompliance(data)
}

func (p DefaultProvider) HashFast(data []byte) [32]byte {
	return blake3.Sum256(data)
}

func (p DefaultProvider) aead(key []byte) (cipher.AEAD, error) {
	switch p.Suite {
	case AEADSuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (p DefaultProvider) AEADEncrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (p DefaultProvider) AEADDecrypt(key, nonce, aad, sealed []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	out, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

func (p DefaultProvider) Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

func (p DefaultProvider) Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pk, msg, sig)
}

var _ Provider = DefaultProvider{}
