package crypto

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestHashComplianceDeterministic(t *testing.T) {
	p := NewDefaultProvider()
	a := p.HashCompliance([]byte("hello"))
	b := p.HashCompliance([]byte("hello"))
	if a != b {
		t.Fatalf("HashCompliance not deterministic: %x != %x", a, b)
	}
	c := p.HashCompliance([]byte("world"))
	if a == c {
		t.Fatalf("HashCompliance collided on distinct inputs")
	}
}

func TestHashFastDeterministic(t *testing.T) {
	p := NewDefaultProvider()
	a := p.HashFast([]byte("hello"))
	b := p.HashFast([]byte("hello"))
	if a != b {
		t.Fatalf("HashFast not deterministic: %x != %x", a, b)
	}
	if a == p.HashCompliance([]byte("hello")) {
		t.Fatalf("HashFast and HashCompliance must not coincide")
	}
}

func TestAEADRoundtripAES256GCM(t *testing.T) {
	p := DefaultProvider{Suite: AEADSuiteAES256GCM}
	testAEADRoundtrip(t, p)
}

func TestAEADRoundtripChaCha20Poly1305(t *testing.T) {
	p := DefaultProvider{Suite: AEADSuiteChaCha20Poly1305}
	testAEADRoundtrip(t, p)
}

func testAEADRoundtrip(t *testing.T, p DefaultProvider) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	nonce := DeriveNonce(1, 2, 3)
	aad := []byte("tenant=1")
	plaintext := []byte("replicated state machine command payload")

	sealed, err := p.AEADEncrypt(key, nonce[:], aad, plaintext)
	if err != nil {
		t.Fatalf("AEADEncrypt: %v", err)
	}
	opened, err := p.AEADDecrypt(key, nonce[:], aad, sealed)
	if err != nil {
		t.Fatalf("AEADDecrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", opened, plaintext)
	}

	// Tampered AAD must fail authentication.
	if _, err := p.AEADDecrypt(key, nonce[:], []byte("tenant=2"), sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed for tampered aad, got %v", err)
	}

	// Tampered ciphertext must fail authentication.
	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0xFF
	if _, err := p.AEADDecrypt(key, nonce[:], aad, tampered); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed for tampered ciphertext, got %v", err)
	}
}

func TestAEADWrongNonceSizeRejected(t *testing.T) {
	p := NewDefaultProvider()
	key := bytes.Repeat([]byte{0x01}, KeySize)
	if _, err := p.AEADEncrypt(key, []byte{1, 2, 3}, nil, []byte("x")); err == nil {
		t.Fatalf("expected error for short nonce")
	}
}

func TestSignVerify(t *testing.T) {
	p := NewDefaultProvider()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("commit record")
	sig := p.Sign(priv, msg)
	if !p.Verify(pub, msg, sig) {
		t.Fatalf("Verify rejected a valid signature")
	}
	if p.Verify(pub, []byte("different message"), sig) {
		t.Fatalf("Verify accepted a signature over the wrong message")
	}
}
