// kimberlite-keymgr wraps and unwraps a replica's checkpoint-signing
// key for at-rest storage, per SPEC_FULL.md's keystore export/import
// tooling. It never participates in consensus; it only moves an
// ed25519 private key between a KEK-wrapped file and a raw key a
// replica process can load at startup.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"kimberlite.dev/core/crypto"
)

// KeyStoreV1 is the on-disk wrapped-key format. key_id is the
// compliance hash of the public key, so operators can confirm they
// unwrapped the key they expected without ever decrypting it.
type KeyStoreV1 struct {
	Version      string `json:"version"`
	PubkeyHex    string `json:"pubkey_hex"`
	KeyIDHex     string `json:"key_id_hex"`
	WrapAlg      string `json:"wrap_alg"`
	WrappedSKHex string `json:"wrapped_sk_hex"`
}

const keystoreVersion = "KBKSv1"
const wrapAlg = "AES-256-KW"

func hexDecodeStrict(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return hex.DecodeString(s)
}

func mustLen(b []byte, n int, name string) error {
	if len(b) != n {
		return fmt.Errorf("%s must be %d bytes (got %d)", name, n, len(b))
	}
	return nil
}

func cmdExportWrapped(argv []string) error {
	fs := flag.NewFlagSet("keymgr export-wrapped", flag.ExitOnError)
	out := fs.String("out", "", "output keystore json path")
	pubkeyHex := fs.String("pubkey-hex", "", "ed25519 public key bytes (hex)")
	skHex := fs.String("sk-hex", "", "ed25519 private key bytes (hex) to wrap")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption-key (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *out == "" || *pubkeyHex == "" || *skHex == "" || *kekHex == "" {
		return fmt.Errorf("missing required flags: --out --pubkey-hex --sk-hex --kek-hex")
	}

	pub, err := hexDecodeStrict(*pubkeyHex)
	if err != nil {
		return fmt.Errorf("pubkey-hex: %w", err)
	}
	kek, err := hexDecodeStrict(*kekHex)
	if err != nil {
		return fmt.Errorf("kek-hex: %w", err)
	}
	if err := mustLen(kek, 32, "kek"); err != nil {
		return err
	}
	sk, err := hexDecodeStrict(*skHex)
	if err != nil {
		return fmt.Errorf("sk-hex: %w", err)
	}
	if len(sk) == 0 || len(sk)%8 != 0 {
		return fmt.Errorf("sk must be a non-zero multiple of 8 bytes (AES-KW requirement)")
	}

	provider := crypto.NewDefaultProvider()
	keyID := provider.HashCompliance(pub)

	wrapped, err := crypto.AESKeyWrapRFC3394(kek, sk)
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}

	ks := KeyStoreV1{
		Version:      keystoreVersion,
		PubkeyHex:    hex.EncodeToString(pub),
		KeyIDHex:     hex.EncodeToString(keyID[:]),
		WrapAlg:      wrapAlg,
		WrappedSKHex: hex.EncodeToString(wrapped),
	}
	b, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(*out, b, 0o600)
}

func readKeystore(path string) (*KeyStoreV1, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks KeyStoreV1
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, err
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %q", ks.Version)
	}
	if strings.ToUpper(ks.WrapAlg) != wrapAlg {
		return nil, fmt.Errorf("unsupported wrap_alg: %q", ks.WrapAlg)
	}
	return &ks, nil
}

func cmdImportWrapped(argv []string) error {
	fs := flag.NewFlagSet("keymgr import-wrapped", flag.ExitOnError)
	in := fs.String("in", "", "input keystore json path")
	out := fs.String("out", "", "output keystore json path")
	oldKekHex := fs.String("old-kek-hex", "", "old AES-256 KEK (32 bytes hex)")
	newKekHex := fs.String("new-kek-hex", "", "new AES-256 KEK (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *in == "" || *out == "" || *oldKekHex == "" || *newKekHex == "" {
		return fmt.Errorf("missing required flags: --in --out --old-kek-hex --new-kek-hex")
	}

	ks, err := readKeystore(*in)
	if err != nil {
		return err
	}

	oldKek, err := hexDecodeStrict(*oldKekHex)
	if err != nil {
		return fmt.Errorf("old-kek-hex: %w", err)
	}
	if err := mustLen(oldKek, 32, "old-kek"); err != nil {
		return err
	}
	newKek, err := hexDecodeStrict(*newKekHex)
	if err != nil {
		return fmt.Errorf("new-kek-hex: %w", err)
	}
	if err := mustLen(newKek, 32, "new-kek"); err != nil {
		return err
	}
	wrapped, err := hexDecodeStrict(ks.WrappedSKHex)
	if err != nil {
		return fmt.Errorf("wrapped_sk_hex: %w", err)
	}

	plain, err := crypto.AESKeyUnwrapRFC3394(oldKek, wrapped)
	if err != nil {
		return fmt.Errorf("unwrap with old kek: %w", err)
	}
	newWrapped, err := crypto.AESKeyWrapRFC3394(newKek, plain)
	if err != nil {
		return fmt.Errorf("rewrap with new kek: %w", err)
	}
	ks.WrappedSKHex = hex.EncodeToString(newWrapped)

	b, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(*out, b, 0o600)
}

func cmdVerifyPubkey(argv []string) (string, error) {
	fs := flag.NewFlagSet("keymgr verify-pubkey", flag.ExitOnError)
	in := fs.String("in", "", "input keystore json path")
	expectedKeyIDHex := fs.String("expected-key-id-hex", "", "optional expected key_id hex")
	if err := fs.Parse(argv); err != nil {
		return "", err
	}
	if *in == "" {
		return "", fmt.Errorf("missing required flag: --in")
	}

	ks, err := readKeystore(*in)
	if err != nil {
		return "", err
	}
	pub, err := hexDecodeStrict(ks.PubkeyHex)
	if err != nil {
		return "", fmt.Errorf("pubkey_hex: %w", err)
	}

	provider := crypto.NewDefaultProvider()
	keyID := provider.HashCompliance(pub)
	gotHex := hex.EncodeToString(keyID[:])
	if ks.KeyIDHex != "" && !strings.EqualFold(ks.KeyIDHex, gotHex) {
		return "", fmt.Errorf("keystore key_id mismatch: embedded=%s computed=%s", ks.KeyIDHex, gotHex)
	}
	if *expectedKeyIDHex != "" {
		exp := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(*expectedKeyIDHex), "0x"))
		if exp != gotHex {
			return "", fmt.Errorf("expected key_id mismatch: expected=%s computed=%s", exp, gotHex)
		}
	}
	return gotHex, nil
}

func run(argv []string, stdout, stderr *os.File) int {
	if len(argv) < 1 {
		fmt.Fprintln(stderr, "usage: kimberlite-keymgr <export-wrapped|import-wrapped|verify-pubkey> [flags]")
		return 2
	}
	sub, subargv := argv[0], argv[1:]

	switch sub {
	case "export-wrapped":
		if err := cmdExportWrapped(subargv); err != nil {
			fmt.Fprintln(stderr, "export-wrapped error:", err)
			return 1
		}
		fmt.Fprintln(stdout, "OK")
		return 0
	case "import-wrapped":
		if err := cmdImportWrapped(subargv); err != nil {
			fmt.Fprintln(stderr, "import-wrapped error:", err)
			return 1
		}
		fmt.Fprintln(stdout, "OK")
		return 0
	case "verify-pubkey":
		keyID, err := cmdVerifyPubkey(subargv)
		if err != nil {
			fmt.Fprintln(stderr, "verify-pubkey error:", err)
			return 1
		}
		fmt.Fprintln(stdout, keyID)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown keymgr subcommand:", sub)
		return 2
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
