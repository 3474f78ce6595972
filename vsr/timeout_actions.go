package vsr

// OnHeartbeatTimeout implements the Heartbeat row of spec.md §4.6.6: a
// backup that hasn't heard from the primary starts a view change.
func (r *Replica) OnHeartbeatTimeout() StartViewChangePayload {
	return r.BeginViewChange()
}

// ReemitStartViewChange implements the ViewChange row: during an
// election still short of quorum, re-broadcast at the current
// (already-incremented) view rather than incrementing again.
func (r *Replica) ReemitStartViewChange() StartViewChangePayload {
	return StartViewChangePayload{View: r.View, ReplicaID: r.ID}
}

// OnPrepareTimeout implements the Prepare(op) row: the primary
// retransmits a Prepare it is still missing PrepareOk quorum for.
func (r *Replica) OnPrepareTimeout(opNumber uint64) (*PreparePayload, bool) {
	for _, e := range r.Log {
		if e.OpNumber == opNumber {
			cmdJSON, err := EncodeCommand(e.Command)
			if err != nil {
				return nil, false
			}
			var prevHash [32]byte
			if idx := indexOf(r.Log, opNumber); idx > 0 {
				prevHash = r.Log[idx-1].ChainHash
			}
			return &PreparePayload{
				View:          e.View,
				OpNumber:      e.OpNumber,
				CommandJSON:   cmdJSON,
				CommitNumber:  r.CommitNumber,
				Timestamp:     e.Timestamp,
				PrevHash:      prevHash,
				ClientID:      e.ClientID,
				RequestNumber: e.RequestNumber,
			}, true
		}
	}
	return nil, false
}

func indexOf(log []LogEntry, opNumber uint64) int {
	for i, e := range log {
		if e.OpNumber == opNumber {
			return i
		}
	}
	return -1
}

// PrimaryAbdicatePredicate implements spec.md §4.6.6's "primary
// concludes it is partitioned" rule: if fewer than quorum-1 peers
// responded PrepareOk within the last window, the primary steps down.
func (r *Replica) PrimaryAbdicatePredicate(respondedWithinWindow map[uint64]bool) bool {
	threshold := FromConfig(r.State.Config).Size() - 1
	return len(respondedWithinWindow) < threshold
}

// OnPrimaryAbdicate steps a primary down and starts a view change, the
// action side of PrimaryAbdicatePredicate.
func (r *Replica) OnPrimaryAbdicate() StartViewChangePayload {
	return r.BeginViewChange()
}

// OnCommitStallTimeout implements the CommitStall row: when the gap
// between op_number and commit_number exceeds 10 without progress,
// the primary may abdicate rather than let clients stall indefinitely.
func (r *Replica) OnCommitStallTimeout() bool {
	const stallDepth = 10
	return r.OpNumber-r.CommitNumber > stallDepth
}

// OnCommitMessageTimeout implements the CommitMessage row: a backup
// missing a Commit gets it piggybacked on the next Heartbeat instead of
// a dedicated retransmission.
func (r *Replica) OnCommitMessageTimeout() HeartbeatPayload {
	return HeartbeatPayload{View: r.View, CommitNumber: r.CommitNumber}
}

// OnStartViewChangeWindowTimeout implements the
// StartViewChangeWindow row: a new leader that has reached quorum on
// DoViewChange stops waiting for stragglers and installs the view with
// whatever it has collected.
func (r *Replica) OnStartViewChangeWindowTimeout() (StartViewPayload, bool) {
	votes, ok := r.doViewChangeVotes[r.View]
	if !ok || len(votes) == 0 {
		return StartViewPayload{}, false
	}
	best := SelectBestDoViewChange(votes)
	return StartViewPayload{
		View:          r.View,
		LogTail:       best.LogTail,
		CommitNumber:  best.CommitNumber,
		ReconfigPhase: best.ReconfigPhase,
		ReconfigOld:   best.ReconfigOld,
		ReconfigNew:   best.ReconfigNew,
	}, true
}
