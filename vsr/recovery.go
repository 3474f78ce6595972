package vsr

import (
	"fmt"

	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/ledger"
	"kimberlite.dev/core/session"
)

// StateTransferThreshold is the op-count gap beyond which recovery
// requests a snapshot instead of replaying the log entry by entry,
// spec.md §4.6.4 step 5.
const StateTransferThreshold = 100

// Recover rebuilds a Replica from durable state after a crash,
// spec.md §4.6.4 steps 1-3: read the superblock's majority-agreed
// generation/view/commit_number, truncate the log above commit_number
// (only committed entries are definitively retained), and record a
// GenerationTransition marking how many uncommitted ops were
// discarded. The returned Replica is in Recovering status; the caller
// (the shell run-loop) drives steps 4-6 — broadcasting Ping, running
// NACK-based repair or state transfer, and finally transitioning to
// Normal or StandbyFollowing once caught up.
func Recover(id uint64, log *ledger.Log, activeReplicas []uint64, sessions *session.Table, isStandby bool) (*Replica, error) {
	sb, err := log.Superblock().Load()
	if err != nil {
		return nil, fmt.Errorf("vsr: recovery superblock load: %w", err)
	}

	discarded := log.NextOpNumber() - 1 - sb.CommitOp
	if err := log.TruncateAfter(sb.CommitOp); err != nil {
		return nil, fmt.Errorf("vsr: recovery truncate above commit_number: %w", err)
	}

	nextGeneration := sb.Generation + 1
	payload := encodeGenerationTransition(nextGeneration, discarded)
	if _, _, _, err := log.Append(ledger.RecordKindGenerationTransition, 0, 0, 0, payload); err != nil {
		return nil, fmt.Errorf("vsr: recovery generation transition record: %w", err)
	}

	state := kernel.NewState(activeReplicas)
	r := &Replica{
		ID:                   id,
		Status:               StatusRecovering,
		View:                 sb.View,
		CommitNumber:         sb.CommitOp,
		OpNumber:             sb.CommitOp,
		State:                state,
		PendingState:         state,
		Sessions:             sessions,
		IsStandby:            isStandby,
		prepareOkVotes:       make(map[uint64]map[uint64]bool),
		startViewChangeVotes: make(map[uint64]map[uint64]bool),
		doViewChangeVotes:    make(map[uint64][]DoViewChangePayload),
		Misbehavior:          make(map[uint64]*MisbehaviorScore),
		Counters:             newCounters(),
	}
	return r, nil
}

func encodeGenerationTransition(generation, discardedOps uint64) []byte {
	out := make([]byte, 16)
	putUint64(out[0:8], generation)
	putUint64(out[8:16], discardedOps)
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// NeedsStateTransfer reports whether the gap between this replica's
// op_number and a peer's reported op_number exceeds
// StateTransferThreshold, per spec.md §4.6.4 step 5.
func NeedsStateTransfer(localOp, peerOp uint64) bool {
	if peerOp <= localOp {
		return false
	}
	return peerOp-localOp > StateTransferThreshold
}

// FinishRecovery transitions a recovered replica to Normal (or
// StandbyFollowing) once it has caught up to view and commit_number,
// spec.md §4.6.4 step 6.
func (r *Replica) FinishRecovery(view uint64) {
	r.View = view
	r.LastNormalView = view
	if r.IsStandby {
		r.Status = StatusStandbyFollowing
	} else {
		r.Status = StatusNormal
	}
}
