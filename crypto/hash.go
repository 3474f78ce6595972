package crypto

import (
	"crypto/sha256"
	"hash"
)

// hashCompliance is SHA-256, kept as its own tiny function the way the
// teacher's consensus package wraps its primary hash (consensus/hash.go).
func hashCompliance(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func hashNewSHA256() hash.Hash {
	return sha256.New()
}
