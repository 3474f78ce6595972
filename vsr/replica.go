package vsr

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"kimberlite.dev/core/clock"
	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/session"
)

// Status is one of the five roles a replica occupies, spec.md §3.5's
// ReplicaState.status.
type Status string

const (
	StatusNormal           Status = "Normal"
	StatusViewChange       Status = "ViewChange"
	StatusRecovering       Status = "Recovering"
	StatusStandbyFollowing Status = "StandbyFollowing"
	StatusCrashed          Status = "Crashed"
)

// Counters is the instrumentation surface for dropped and rejected
// messages, spec.md §4.6.1/§4.6.10: transient protocol noise and
// Byzantine-indicated rejections are never fatal, but must be counted.
type Counters struct {
	Dropped           map[string]uint64
	ByzantineRejected map[string]uint64
}

func newCounters() Counters {
	return Counters{Dropped: make(map[string]uint64), ByzantineRejected: make(map[string]uint64)}
}

func (c Counters) drop(reason string)      { c.Dropped[reason]++ }
func (c Counters) byzantine(reason string) { c.ByzantineRejected[reason]++ }

// Replica is the VSR state machine for one replica: the fields listed
// in spec.md §3.5's ReplicaState, plus the collaborators (kernel state,
// session table, clock, repair budget, timers) that drive it. It is
// deliberately transport-agnostic — callers hand it decoded payloads
// and receive back the payloads to broadcast; the run-loop and sockets
// live in the shell package.
type Replica struct {
	ID     uint64
	Status Status

	View           uint64
	LastNormalView uint64
	OpNumber       uint64
	CommitNumber   uint64
	Log            []LogEntry

	// State is advanced only at commit; PendingState is advanced
	// speculatively at each Prepare so op_number assignment and
	// per-command validation (consent, offset, stream existence) can
	// chain across multiple in-flight, not-yet-committed commands.
	State        kernel.State
	PendingState kernel.State

	Sessions *session.Table
	Clock    *clock.Clock

	Repair *RepairBudget
	Timers *Timers

	Version           Version
	Features          uint64
	IsStandby         bool
	PromotionEligible bool

	prepareOkVotes       map[uint64]map[uint64]bool // opNumber -> replica ids that acked
	startViewChangeVotes map[uint64]map[uint64]bool // view -> replica ids
	doViewChangeVotes    map[uint64][]DoViewChangePayload

	Misbehavior map[uint64]*MisbehaviorScore
	Counters    Counters
}

// New builds a Replica starting fresh at view 0, op 0, commit 0.
func New(id uint64, activeReplicas []uint64, sessions *session.Table, clk *clock.Clock, repair *RepairBudget, timers *Timers, version Version) *Replica {
	state := kernel.NewState(activeReplicas)
	return &Replica{
		ID:                   id,
		Status:               StatusNormal,
		State:                state,
		PendingState:         state,
		Sessions:             sessions,
		Clock:                clk,
		Repair:               repair,
		Timers:               timers,
		Version:              version,
		prepareOkVotes:       make(map[uint64]map[uint64]bool),
		startViewChangeVotes: make(map[uint64]map[uint64]bool),
		doViewChangeVotes:    make(map[uint64][]DoViewChangePayload),
		Misbehavior:          make(map[uint64]*MisbehaviorScore),
		Counters:             newCounters(),
	}
}

// IsLeader reports whether this replica believes itself the primary
// for its current view, per the deterministic leader rule of §4.6.3.
func (r *Replica) IsLeader() bool {
	return r.Status == StatusNormal && DeterministicLeader(r.State.Config.ActiveReplicas, r.View) == r.ID
}

func (r *Replica) quorum() QuorumSet {
	return FromConfig(r.State.Config)
}

func (r *Replica) tailEntry() (LogEntry, bool) {
	if len(r.Log) == 0 {
		return LogEntry{}, false
	}
	return r.Log[len(r.Log)-1], true
}

func chainHash(prev [32]byte, opNumber uint64, commandJSON []byte) [32]byte {
	var opBuf [8]byte
	binary.LittleEndian.PutUint64(opBuf[:], opNumber)
	h := sha256.New()
	h.Write(prev[:])
	h.Write(opBuf[:])
	h.Write(commandJSON)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PrepareCommand is the primary-only entry point for a freshly accepted
// client Request that was not a cached duplicate (spec.md §4.6.2 steps
// 1-4). It dry-runs cmd against PendingState to validate it and obtain
// the effects the eventual commit will execute, assigns the next
// op_number and a monotonic timestamp, appends the resulting LogEntry
// to this replica's own tail, and returns the Prepare payload to
// broadcast. It also records the request as uncommitted in the session
// table so a concurrent duplicate Request is rejected, not re-prepared.
func (r *Replica) PrepareCommand(clientID, requestNumber uint64, cmd kernel.Command, wallClock, nowMonotonic time.Time) (*PreparePayload, error) {
	if !r.IsLeader() {
		return nil, fmt.Errorf("vsr: PrepareCommand called on non-leader replica %d", r.ID)
	}

	next, _, err := kernel.ApplyCommitted(r.PendingState, cmd)
	if err != nil {
		return nil, err
	}

	ts, err := r.Clock.AssignTimestamp(true, wallClock, nowMonotonic)
	if err != nil {
		return nil, fmt.Errorf("vsr: assign timestamp: %w", err)
	}

	opNumber := r.OpNumber + 1
	cmdJSON, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	prev, _ := r.tailEntry()
	entry := LogEntry{
		OpNumber:      opNumber,
		View:          r.View,
		Command:       cmd,
		Timestamp:     ts.UnixNano(),
		ChainHash:     chainHash(prev.ChainHash, opNumber, cmdJSON),
		ClientID:      clientID,
		RequestNumber: requestNumber,
	}

	if err := r.Sessions.RecordUncommitted(session.ClientID(clientID), requestNumber, opNumber); err != nil {
		return nil, err
	}

	r.Log = append(r.Log, entry)
	r.OpNumber = opNumber
	r.PendingState = next

	var reconfig *kernel.ReconfigCommand
	if rc, ok := cmd.(kernel.Reconfigure); ok {
		reconfig = &rc.Command
	}

	return &PreparePayload{
		View:          r.View,
		OpNumber:      opNumber,
		CommandJSON:   cmdJSON,
		CommitNumber:  r.CommitNumber,
		Timestamp:     entry.Timestamp,
		PrevHash:      prev.ChainHash,
		ClientID:      clientID,
		RequestNumber: requestNumber,
		Reconfig:      reconfig,
	}, nil
}

// HandlePrepare is the backup-side handler for an inbound Prepare,
// spec.md §4.6.2 steps 5-6. It validates view, op_number contiguity,
// and the chain link before appending; a standby replica appends and
// advances exactly like a backup but never returns a PrepareOk
// (§4.6.9 — enforced here, not left to a separate code path).
func (r *Replica) HandlePrepare(p PreparePayload) (*PrepareOkPayload, error) {
	if r.Status != StatusNormal && r.Status != StatusStandbyFollowing {
		r.Counters.drop("prepare_wrong_status")
		return nil, nil
	}
	if p.View != r.View {
		r.Counters.drop("prepare_wrong_view")
		return nil, nil
	}
	if p.OpNumber != r.OpNumber+1 {
		r.Counters.drop("prepare_op_gap")
		return nil, nil
	}
	prev, _ := r.tailEntry()
	if p.PrevHash != prev.ChainHash {
		r.Counters.byzantine("prepare_chain_break")
		return nil, fmt.Errorf("vsr: prepare prev_hash does not match local tail")
	}

	cmd, err := DecodeCommand(p.CommandJSON)
	if err != nil {
		r.Counters.byzantine("prepare_bad_command")
		return nil, err
	}

	computed := chainHash(prev.ChainHash, p.OpNumber, p.CommandJSON)

	next, _, err := kernel.ApplyCommitted(r.PendingState, cmd)
	if err != nil {
		// The primary already validated this command; a backup-side
		// failure here means our PendingState has diverged. Treat as
		// a repair condition rather than trusting a possibly-Byzantine
		// primary's framing.
		r.Counters.byzantine("prepare_kernel_reject")
		return nil, fmt.Errorf("vsr: prepare command rejected by local kernel: %w", err)
	}

	entry := LogEntry{
		OpNumber:      p.OpNumber,
		View:          p.View,
		Command:       cmd,
		Timestamp:     p.Timestamp,
		ChainHash:     computed,
		ClientID:      p.ClientID,
		RequestNumber: p.RequestNumber,
	}
	if p.ClientID != 0 {
		_ = r.Sessions.RecordUncommitted(session.ClientID(p.ClientID), p.RequestNumber, p.OpNumber)
	}
	r.Log = append(r.Log, entry)
	r.OpNumber = p.OpNumber
	r.PendingState = next

	if r.Status == StatusStandbyFollowing {
		return nil, nil
	}
	return &PrepareOkPayload{View: r.View, OpNumber: r.OpNumber, ReplicaID: r.ID}, nil
}

// RecordPrepareOk records a backup's acknowledgement and reports
// whether op_number has now reached quorum under the currently
// committed cluster config.
func (r *Replica) RecordPrepareOk(opNumber, replicaID uint64) bool {
	votes, ok := r.prepareOkVotes[opNumber]
	if !ok {
		votes = make(map[uint64]bool)
		r.prepareOkVotes[opNumber] = votes
	}
	votes[replicaID] = true
	votes[r.ID] = true // the primary's own implicit vote
	return FromConfig(r.State.Config).Satisfied(votes)
}

// AdvanceCommit applies every not-yet-committed log entry up to and
// including upToOp, executing each one's effects against the canonical
// State and caching its reply in the committed session table
// (spec.md §4.6.2 steps 7-8). It returns the effects to execute, in
// order; the cached replies are read back from the session table.
func (r *Replica) AdvanceCommit(upToOp uint64) ([]kernel.Effect, error) {
	var allEffects []kernel.Effect
	for op := r.CommitNumber + 1; op <= upToOp; op++ {
		idx := op - r.Log[0].OpNumber
		if int(idx) >= len(r.Log) {
			return allEffects, fmt.Errorf("vsr: missing log entry for op %d, repair required", op)
		}
		entry := r.Log[idx]
		next, effects, err := kernel.ApplyCommitted(r.State, entry.Command)
		if err != nil {
			return allEffects, fmt.Errorf("vsr: commit of already-prepared op %d rejected by kernel: %w", op, err)
		}
		r.State = next
		r.CommitNumber = op
		allEffects = append(allEffects, effects...)
		delete(r.prepareOkVotes, op)

		if entry.ClientID != 0 {
			r.Sessions.CommitRequest(session.ClientID(entry.ClientID), entry.RequestNumber, op, op, effects, entry.Timestamp)
		}
	}
	return allEffects, nil
}

// HandleCommit applies the primary's Commit broadcast up to
// p.CommitNumber, spec.md §4.6.2 step 8's backup path.
func (r *Replica) HandleCommit(p CommitPayload) ([]kernel.Effect, error) {
	if p.View != r.View {
		r.Counters.drop("commit_wrong_view")
		return nil, nil
	}
	if p.CommitNumber <= r.CommitNumber {
		return nil, nil
	}
	if p.CommitNumber > r.OpNumber {
		r.Counters.byzantine("commit_beyond_prepared")
		return nil, fmt.Errorf("vsr: commit_number %d exceeds local op_number %d", p.CommitNumber, r.OpNumber)
	}
	return r.AdvanceCommit(p.CommitNumber)
}
