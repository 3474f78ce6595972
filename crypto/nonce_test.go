package crypto

import "testing"

func TestDeriveNonceDeterministic(t *testing.T) {
	a := DeriveNonce(1, 2, 3)
	b := DeriveNonce(1, 2, 3)
	if a != b {
		t.Fatalf("DeriveNonce not deterministic: %x != %x", a, b)
	}
}

func TestDeriveNonceDistinctAcrossInputs(t *testing.T) {
	base := DeriveNonce(1, 2, 3)
	cases := [][3]uint64{
		{2, 2, 3},
		{1, 3, 3},
		{1, 2, 4},
	}
	for _, c := range cases {
		n := DeriveNonce(c[0], c[1], c[2])
		if n == base {
			t.Fatalf("DeriveNonce(%v) collided with DeriveNonce(1,2,3)", c)
		}
	}
}
