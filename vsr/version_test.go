package vsr

import "testing"

func TestAcceptsRequiresMatchingMajor(t *testing.T) {
	v1 := Version{Major: 1, Minor: 2, Patch: 0}
	v2 := Version{Major: 2, Minor: 0, Patch: 0}
	if Accepts(v1, v2, 0, 0, 0) {
		t.Fatalf("mismatched major versions should not be accepted")
	}
}

func TestAcceptsRequiresFeatureOnBothSides(t *testing.T) {
	self := Version{Major: 1}
	peer := Version{Major: 1}
	const featureX uint64 = 1 << 3

	if Accepts(self, peer, 0, featureX, featureX) {
		t.Fatalf("self lacking the required feature should reject")
	}
	if Accepts(self, peer, featureX, 0, featureX) {
		t.Fatalf("peer lacking the required feature should reject")
	}
	if !Accepts(self, peer, featureX, featureX, featureX) {
		t.Fatalf("both sides advertising the required feature should accept")
	}
	if !Accepts(self, peer, 0, 0, 0) {
		t.Fatalf("no required features should always accept under matching major")
	}
}

func TestClusterMinimumFeaturesIsBitwiseAND(t *testing.T) {
	const a, b, c uint64 = 0b111, 0b110, 0b100
	got := ClusterMinimumFeatures(map[uint64]uint64{1: a, 2: b, 3: c})
	if got != 0b100 {
		t.Fatalf("minimum features = %b, want %b", got, 0b100)
	}
}

func TestClusterMinimumFeaturesEmpty(t *testing.T) {
	if got := ClusterMinimumFeatures(nil); got != 0 {
		t.Fatalf("empty cluster minimum features = %d, want 0", got)
	}
}
