package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"kimberlite.dev/core/crypto"
)

func TestVerifyPubkeyComputesKeyID(t *testing.T) {
	td := t.TempDir()
	ksPath := filepath.Join(td, "k.json")

	if err := os.WriteFile(ksPath, []byte(`{
  "version": "KBKSv1",
  "pubkey_hex": "11",
  "key_id_hex": "",
  "wrap_alg": "AES-256-KW",
  "wrapped_sk_hex": "00"
}`), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := cmdVerifyPubkey([]string{"--in", ksPath})
	if err != nil {
		t.Fatalf("verify-pubkey: %v", err)
	}
	if len(out) != 64 {
		t.Fatalf("expected 32-byte key_id hex, got %q", out)
	}
}

func TestVerifyPubkeyRejectsMismatchedExpectedKeyID(t *testing.T) {
	td := t.TempDir()
	ksPath := filepath.Join(td, "k.json")
	if err := os.WriteFile(ksPath, []byte(`{
  "version": "KBKSv1",
  "pubkey_hex": "11",
  "key_id_hex": "",
  "wrap_alg": "AES-256-KW",
  "wrapped_sk_hex": "00"
}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := cmdVerifyPubkey([]string{"--in", ksPath, "--expected-key-id-hex", "deadbeef"}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestExportImportRoundtripsPrivateKey(t *testing.T) {
	td := t.TempDir()
	pub, sk, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kek := make([]byte, 32)
	for i := range kek {
		kek[i] = byte(i)
	}
	exportedPath := filepath.Join(td, "exported.json")

	if err := cmdExportWrapped([]string{
		"--out", exportedPath,
		"--pubkey-hex", hex.EncodeToString(pub),
		"--sk-hex", hex.EncodeToString(sk),
		"--kek-hex", hex.EncodeToString(kek),
	}); err != nil {
		t.Fatalf("export-wrapped: %v", err)
	}

	ks, err := readKeystore(exportedPath)
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	if ks.Version != keystoreVersion {
		t.Fatalf("version=%q, want %q", ks.Version, keystoreVersion)
	}

	newKek := make([]byte, 32)
	for i := range newKek {
		newKek[i] = byte(255 - i)
	}
	rewrappedPath := filepath.Join(td, "rewrapped.json")
	if err := cmdImportWrapped([]string{
		"--in", exportedPath,
		"--out", rewrappedPath,
		"--old-kek-hex", hex.EncodeToString(kek),
		"--new-kek-hex", hex.EncodeToString(newKek),
	}); err != nil {
		t.Fatalf("import-wrapped: %v", err)
	}

	rewrapped, err := readKeystore(rewrappedPath)
	if err != nil {
		t.Fatalf("read rewrapped keystore: %v", err)
	}
	wrapped, err := hexDecodeStrict(rewrapped.WrappedSKHex)
	if err != nil {
		t.Fatalf("decode wrapped sk: %v", err)
	}
	unwrapped, err := crypto.AESKeyUnwrapRFC3394(newKek, wrapped)
	if err != nil {
		t.Fatalf("unwrap with new kek: %v", err)
	}
	if hex.EncodeToString(unwrapped) != hex.EncodeToString(sk) {
		t.Fatalf("roundtripped key does not match original")
	}
}

func TestExportWrappedRejectsMissingFlags(t *testing.T) {
	if err := cmdExportWrapped(nil); err == nil {
		t.Fatalf("expected error for missing flags")
	}
}

func TestRunUnknownSubcommandExitsWith2(t *testing.T) {
	if code := run([]string{"bogus"}, os.Stdout, os.Stderr); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}

func TestRunNoArgsExitsWith2(t *testing.T) {
	if code := run(nil, os.Stdout, os.Stderr); code != 2 {
		t.Fatalf("code=%d, want 2", code)
	}
}
