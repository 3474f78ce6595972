package vsr

import (
	"testing"
	"time"

	"kimberlite.dev/core/clock"
	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/session"
)

func newTestReplica(t *testing.T, id uint64, active []uint64) *Replica {
	t.Helper()
	clk := clock.New(id, len(active), func() time.Time { return time.Unix(1000, 0) })
	rb := NewRepairBudget(active, id)
	timers := NewTimers(DefaultDurations())
	r := New(id, active, session.New(1000), clk, rb, timers, Version{1, 0, 0})
	return r
}

func TestPrepareCommandRequiresLeadership(t *testing.T) {
	r := newTestReplica(t, 2, []uint64{1, 2, 3})
	// view 0's deterministic leader is id 1, so replica 2 is not leader.
	_, err := r.PrepareCommand(1, 1, kernel.CreateStream{TenantID: 1, StreamID: 1}, time.Unix(1000, 0), time.Unix(1000, 0))
	if err == nil {
		t.Fatalf("expected error preparing on a non-leader replica")
	}
}

func TestNormalCaseReplicationReachesQuorumOnFirstAck(t *testing.T) {
	active := []uint64{1, 2, 3}
	primary := newTestReplica(t, 1, active)
	backup2 := newTestReplica(t, 2, active)

	wall := time.Unix(1000, 0)
	mono := time.Unix(1000, 0)

	prep, err := primary.PrepareCommand(1, 1, kernel.CreateStream{TenantID: 7, StreamID: 1}, wall, mono)
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	ok2, err := backup2.HandlePrepare(*prep)
	if err != nil {
		t.Fatalf("HandlePrepare: %v", err)
	}

	reached := primary.RecordPrepareOk(ok2.OpNumber, ok2.ReplicaID)
	if !reached {
		t.Fatalf("primary's implicit vote + one backup ack should satisfy a quorum of 2 in a 3-replica cluster")
	}

	effects, err := primary.AdvanceCommit(prep.OpNumber)
	if err != nil {
		t.Fatalf("AdvanceCommit: %v", err)
	}
	_ = effects
	if primary.CommitNumber != 1 {
		t.Fatalf("commit_number = %d, want 1", primary.CommitNumber)
	}

	commitMsg := CommitPayload{View: primary.View, CommitNumber: primary.CommitNumber}
	if _, err := backup2.HandleCommit(commitMsg); err != nil {
		t.Fatalf("backup2 HandleCommit: %v", err)
	}
	if backup2.CommitNumber != 1 {
		t.Fatalf("backup2 commit_number = %d, want 1", backup2.CommitNumber)
	}

	if _, ok := primary.Sessions.CheckDuplicate(session.ClientID(1), 1); !ok {
		t.Fatalf("expected the committed request to be cached for dedup")
	}
}

func TestStandbyFollowingNeverRepliesPrepareOk(t *testing.T) {
	active := []uint64{1, 2, 3}
	primary := newTestReplica(t, 1, active)
	standby := newTestReplica(t, 9, active)
	standby.IsStandby = true
	standby.Status = StatusStandbyFollowing

	prep, err := primary.PrepareCommand(1, 1, kernel.CreateStream{TenantID: 1, StreamID: 1}, time.Unix(1000, 0), time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	ok, err := standby.HandlePrepare(*prep)
	if err != nil {
		t.Fatalf("HandlePrepare: %v", err)
	}
	if ok != nil {
		t.Fatalf("a standby must never send PrepareOk, got %+v", ok)
	}
	if standby.OpNumber != prep.OpNumber {
		t.Fatalf("standby should still advance its own log, op_number = %d want %d", standby.OpNumber, prep.OpNumber)
	}
}

func TestHandlePrepareRejectsChainBreak(t *testing.T) {
	active := []uint64{1, 2, 3}
	primary := newTestReplica(t, 1, active)
	backup := newTestReplica(t, 2, active)

	prep, err := primary.PrepareCommand(1, 1, kernel.CreateStream{TenantID: 1, StreamID: 1}, time.Unix(1000, 0), time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	prep.PrevHash[0] ^= 0xFF // corrupt the chain link

	_, err = backup.HandlePrepare(*prep)
	if err == nil {
		t.Fatalf("expected a chain-break error")
	}
	if backup.Counters.ByzantineRejected["prepare_chain_break"] != 1 {
		t.Fatalf("expected prepare_chain_break to be counted, got %+v", backup.Counters.ByzantineRejected)
	}
}

func TestViewChangeElectsNewLeaderAndPreservesUncommittedTail(t *testing.T) {
	active := []uint64{1, 2, 3}
	primary := newTestReplica(t, 1, active)
	backup2 := newTestReplica(t, 2, active)
	backup3 := newTestReplica(t, 3, active)

	prep, err := primary.PrepareCommand(1, 1, kernel.CreateStream{TenantID: 1, StreamID: 1}, time.Unix(1000, 0), time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("PrepareCommand: %v", err)
	}
	if _, err := backup2.HandlePrepare(*prep); err != nil {
		t.Fatalf("backup2 HandlePrepare: %v", err)
	}
	if _, err := backup3.HandlePrepare(*prep); err != nil {
		t.Fatalf("backup3 HandlePrepare: %v", err)
	}

	// Primary 1 vanishes before committing; backups 2 and 3 elect a new
	// leader for view 1. Deterministic leader for view 1 over [1,2,3] is
	// replica 2.
	svc2 := backup2.BeginViewChange()
	svc3 := backup3.BeginViewChange()
	if svc2.View != 1 || svc3.View != 1 {
		t.Fatalf("expected both backups to advance to view 1")
	}

	if q := backup2.RecordStartViewChange(svc3.View, svc3.ReplicaID); !q {
		t.Fatalf("backup2 should reach quorum on its own + backup3's StartViewChange")
	}
	if q := backup3.RecordStartViewChange(svc2.View, svc2.ReplicaID); !q {
		t.Fatalf("backup3 should reach quorum on its own + backup2's StartViewChange")
	}

	dvc2 := backup2.BuildDoViewChange()
	dvc3 := backup3.BuildDoViewChange()
	if len(dvc2.LogTail) != 1 || len(dvc3.LogTail) != 1 {
		t.Fatalf("expected the single uncommitted op to be reported in each DoViewChange tail")
	}

	newLeader := DeterministicLeader(replicaSet(active...), 1)
	if newLeader != 2 {
		t.Fatalf("expected replica 2 to be the deterministic leader for view 1, got %d", newLeader)
	}

	reached, err := backup2.RecordDoViewChange(dvc2)
	if err != nil {
		t.Fatalf("RecordDoViewChange self: %v", err)
	}
	if reached {
		t.Fatalf("one vote should not yet satisfy quorum")
	}
	reached, err = backup2.RecordDoViewChange(dvc3)
	if err != nil {
		t.Fatalf("RecordDoViewChange dvc3: %v", err)
	}
	if !reached {
		t.Fatalf("two votes should satisfy a 3-replica quorum")
	}

	best := SelectBestDoViewChange([]DoViewChangePayload{dvc2, dvc3})
	startView := StartViewPayload{
		View:         best.View,
		LogTail:      best.LogTail,
		CommitNumber: best.CommitNumber,
	}
	backup2.InstallStartView(startView)
	if backup2.Status != StatusNormal {
		t.Fatalf("new leader should be Normal after installing its own StartView, got %s", backup2.Status)
	}
	if backup2.OpNumber != 1 {
		t.Fatalf("new leader's op_number = %d, want 1 (uncommitted tail preserved)", backup2.OpNumber)
	}

	backup3.InstallStartView(startView)
	if backup3.View != 1 || backup3.OpNumber != 1 {
		t.Fatalf("backup3 did not correctly install the new view")
	}
}

func TestRecordDoViewChangeRejectsTailLengthMismatch(t *testing.T) {
	r := newTestReplica(t, 2, []uint64{1, 2, 3})
	r.View = 1
	bad := DoViewChangePayload{
		View:         1,
		OpNumber:     5,
		CommitNumber: 0,
		LogTail:      []LogEntry{}, // should have 5 entries
		ReplicaID:    3,
	}
	_, err := r.RecordDoViewChange(bad)
	if err == nil {
		t.Fatalf("expected a tail-length-mismatch error")
	}
	if r.Counters.ByzantineRejected["do_view_change_tail_length_mismatch"] != 1 {
		t.Fatalf("expected the mismatch to be counted")
	}
}
