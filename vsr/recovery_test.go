package vsr

import (
	"testing"

	"kimberlite.dev/core/crypto"
	"kimberlite.dev/core/ledger"
	"kimberlite.dev/core/session"
)

func TestRecoverTruncatesAboveCommitAndTransitionsRecovering(t *testing.T) {
	provider := crypto.NewDefaultProvider()
	log, err := ledger.OpenLog(t.TempDir(), provider, ledger.DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	for i := 0; i < 4; i++ {
		if _, _, _, err := log.Append(ledger.RecordKindData, 1, 1, int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	// Log ops start at 0: ops 0-2 are known committed at crash time,
	// op 3 is not.
	if err := log.Superblock().Store(ledger.Superblock{Generation: 1, View: 3, CommitOp: 2}); err != nil {
		t.Fatalf("Store superblock: %v", err)
	}

	r, err := Recover(1, log, []uint64{1, 2, 3}, session.New(100), false)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if r.Status != StatusRecovering {
		t.Fatalf("status = %s, want Recovering", r.Status)
	}
	if r.View != 3 || r.CommitNumber != 2 || r.OpNumber != 2 {
		t.Fatalf("r = %+v, want view=3 commit=2 op=2", r)
	}

	// The uncommitted data record that was at op 3 is gone; op 3 is now
	// occupied by the GenerationTransition record appended after
	// truncation.
	rec, err := log.Read(3)
	if err != nil {
		t.Fatalf("Read(3) after recovery: %v", err)
	}
	if rec.Kind != ledger.RecordKindGenerationTransition {
		t.Fatalf("op 3 kind = %v, want GenerationTransition", rec.Kind)
	}
}

func TestRecoverStandbyTransitionsToStandbyFollowing(t *testing.T) {
	provider := crypto.NewDefaultProvider()
	log, err := ledger.OpenLog(t.TempDir(), provider, ledger.DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()
	if err := log.Superblock().Store(ledger.Superblock{Generation: 1, View: 0, CommitOp: 0}); err != nil {
		t.Fatalf("Store superblock: %v", err)
	}

	r, err := Recover(9, log, []uint64{1, 2, 3}, session.New(100), true)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	r.FinishRecovery(0)
	if r.Status != StatusStandbyFollowing {
		t.Fatalf("status = %s, want StandbyFollowing", r.Status)
	}
}

func TestFinishRecoveryTransitionsActiveReplicaToNormal(t *testing.T) {
	provider := crypto.NewDefaultProvider()
	log, err := ledger.OpenLog(t.TempDir(), provider, ledger.DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()
	if err := log.Superblock().Store(ledger.Superblock{Generation: 1, View: 0, CommitOp: 0}); err != nil {
		t.Fatalf("Store superblock: %v", err)
	}

	r, err := Recover(1, log, []uint64{1, 2, 3}, session.New(100), false)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	r.FinishRecovery(4)
	if r.Status != StatusNormal || r.View != 4 {
		t.Fatalf("r.Status=%s r.View=%d, want Normal/4", r.Status, r.View)
	}
}
