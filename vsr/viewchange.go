package vsr

import (
	"bytes"
	"fmt"

	"kimberlite.dev/core/kernel"
)

// BeginViewChange transitions this replica into an election for the
// next view: view += 1, status -> ViewChange, vote tallies for the new
// view reset, spec.md §4.6.3 step 1. It returns the StartViewChange
// payload to broadcast.
func (r *Replica) BeginViewChange() StartViewChangePayload {
	r.Status = StatusViewChange
	r.View++
	delete(r.startViewChangeVotes, r.View)
	delete(r.doViewChangeVotes, r.View)
	return StartViewChangePayload{View: r.View, ReplicaID: r.ID}
}

// RecordStartViewChange records a peer's StartViewChange vote for
// view and reports whether a quorum has now been reached at that view.
func (r *Replica) RecordStartViewChange(view, replicaID uint64) bool {
	if view != r.View {
		r.Counters.drop("start_view_change_wrong_view")
		return false
	}
	votes, ok := r.startViewChangeVotes[view]
	if !ok {
		votes = make(map[uint64]bool)
		r.startViewChangeVotes[view] = votes
	}
	votes[replicaID] = true
	votes[r.ID] = true
	return FromConfig(r.State.Config).Satisfied(votes)
}

// BuildDoViewChange is called once this replica has observed a quorum
// of StartViewChange at r.View; it reports this replica's full
// uncommitted log tail to the new leader, spec.md §4.6.3 step 2.
func (r *Replica) BuildDoViewChange() DoViewChangePayload {
	tail := make([]LogEntry, 0, r.OpNumber-r.CommitNumber)
	for _, e := range r.Log {
		if e.OpNumber > r.CommitNumber {
			tail = append(tail, e)
		}
	}
	return DoViewChangePayload{
		View:           r.View,
		LastNormalView: r.LastNormalView,
		OpNumber:       r.OpNumber,
		CommitNumber:   r.CommitNumber,
		LogTail:        tail,
		ReconfigPhase:  r.State.Config.Phase,
		ReconfigOld:    r.State.Config.OldActive,
		ReconfigNew:    r.State.Config.NewActive,
		ReplicaID:      r.ID,
	}
}

// RecordDoViewChange buffers an inbound DoViewChange, rejecting one
// whose log_tail length does not match op_number - commit_number (the
// Byzantine guard of spec.md §4.6.3 step 2). It returns true once a
// quorum of (distinct-replica) DoViewChange messages at r.View has
// been collected, meaning the new leader may proceed to select and
// install a view.
func (r *Replica) RecordDoViewChange(p DoViewChangePayload) (bool, error) {
	if p.View != r.View {
		r.Counters.drop("do_view_change_wrong_view")
		return false, nil
	}
	if uint64(len(p.LogTail)) != p.OpNumber-p.CommitNumber {
		r.Counters.byzantine("do_view_change_tail_length_mismatch")
		return false, fmt.Errorf("vsr: DoViewChange log_tail length %d != op_number-commit_number %d",
			len(p.LogTail), p.OpNumber-p.CommitNumber)
	}

	existing := r.doViewChangeVotes[p.View]
	for _, e := range existing {
		if e.ReplicaID == p.ReplicaID {
			return false, nil // duplicate vote from the same replica, ignore
		}
	}
	existing = append(existing, p)
	r.doViewChangeVotes[p.View] = existing

	responders := make(map[uint64]bool, len(existing))
	for _, e := range existing {
		responders[e.ReplicaID] = true
	}
	return FromConfig(r.State.Config).Satisfied(responders), nil
}

// SelectBestDoViewChange picks the DoViewChange with the highest
// (last_normal_view, op_number), deterministically tie-broken by the
// tail's last entry's chain hash then by replica id, spec.md §4.6.3
// step 3.
func SelectBestDoViewChange(votes []DoViewChangePayload) DoViewChangePayload {
	best := votes[0]
	for _, v := range votes[1:] {
		if better(v, best) {
			best = v
		}
	}
	return best
}

func better(a, b DoViewChangePayload) bool {
	if a.LastNormalView != b.LastNormalView {
		return a.LastNormalView > b.LastNormalView
	}
	if a.OpNumber != b.OpNumber {
		return a.OpNumber > b.OpNumber
	}
	aHash, bHash := tailChecksum(a), tailChecksum(b)
	cmp := bytes.Compare(aHash[:], bHash[:])
	if cmp != 0 {
		return cmp > 0
	}
	return a.ReplicaID > b.ReplicaID
}

func tailChecksum(p DoViewChangePayload) [32]byte {
	if len(p.LogTail) == 0 {
		return [32]byte{}
	}
	return p.LogTail[len(p.LogTail)-1].ChainHash
}

// InstallStartView installs a leader-selected DoViewChange (wrapped as
// a StartView payload) on this replica: the committed prefix is kept,
// the uncommitted suffix is replaced by log_tail, and reconfig state
// is merged in, spec.md §4.6.3 step 4. The replica transitions to
// Normal (or StandbyFollowing, if it is a standby).
func (r *Replica) InstallStartView(p StartViewPayload) {
	// Keep only the committed prefix of our own log; the new leader's
	// tail is authoritative for everything after commit_number.
	prefix := r.Log[:0:0]
	for _, e := range r.Log {
		if e.OpNumber <= r.CommitNumber {
			prefix = append(prefix, e)
		}
	}
	r.Log = append(prefix, p.LogTail...)
	if len(r.Log) > 0 {
		r.OpNumber = r.Log[len(r.Log)-1].OpNumber
	} else {
		r.OpNumber = r.CommitNumber
	}

	r.View = p.View
	r.LastNormalView = p.View
	r.State.Config.Phase = p.ReconfigPhase
	r.State.Config.OldActive = p.ReconfigOld
	r.State.Config.NewActive = p.ReconfigNew

	r.recomputePendingState()
	r.Sessions.DiscardUncommitted()

	if r.IsStandby {
		r.Status = StatusStandbyFollowing
	} else {
		r.Status = StatusNormal
	}

	delete(r.startViewChangeVotes, p.View)
	delete(r.doViewChangeVotes, p.View)
}

// recomputePendingState rebuilds PendingState by replaying the
// uncommitted suffix of the log on top of the canonical State. Needed
// whenever the uncommitted suffix is replaced wholesale, as it is by
// InstallStartView, rather than extended one entry at a time.
func (r *Replica) recomputePendingState() {
	state := r.State
	for _, e := range r.Log {
		if e.OpNumber <= r.CommitNumber {
			continue
		}
		next, _, err := kernel.ApplyCommitted(state, e.Command)
		if err != nil {
			// The new leader's tail was already validated by quorum
			// consensus among DoViewChange senders; a local replay
			// failure here means our own State diverged, which is a
			// Byzantine/corruption signal, not a protocol one.
			r.Counters.byzantine("pending_state_replay_failed")
			return
		}
		state = next
	}
	r.PendingState = state
}
