package shell

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kimberlite.dev/core/clock"
	"kimberlite.dev/core/kernel"
	"kimberlite.dev/core/ledger"
	"kimberlite.dev/core/scrubber"
	"kimberlite.dev/core/session"
	"kimberlite.dev/core/vsr"
)

// Node is one replica process: the VSR state machine plus every
// collaborator the run-loop needs to drive it, wired the way the
// teacher's PeerManager wires a PeerSession set around one shared
// config and logger. Node owns nothing about wire I/O beyond the
// vsr.Peer set; accepting inbound connections is the caller's job.
type Node struct {
	Config  Config
	Logger  *zap.Logger
	Metrics *Metrics

	Replica *vsr.Replica
	Log     *ledger.Log
	Tour    *scrubber.Tour
	Peers   map[uint64]*vsr.Peer

	checkpointKey ed25519.PrivateKey

	// pendingReplies tracks, for an op_number this replica prepared as
	// primary, which client peer to send the eventual Reply to once the
	// op commits. Populated in OnRequest, drained in both the
	// self-commit path there and the quorum path in OnPrepareOk.
	pendingReplies map[uint64]*pendingReply

	// pingSentAt tracks the local send time of the outstanding probe to
	// each peer, so the matching pong can be reduced to a
	// clock.PingPongSample. clockSamples accumulates samples since
	// clockWindowStart, the start of the current synchronization window.
	pingSentAt       map[uint64]time.Time
	clockSamples     []clock.PingPongSample
	clockWindowStart time.Time
}

// pendingReply names the client Request an in-flight op_number owes a
// Reply to.
type pendingReply struct {
	peer          *vsr.Peer
	clientID      uint64
	requestNumber uint64
}

// NewNode assembles a Node from a validated config and an already
// opened log. peers must be dialed and handshaken by the caller; Node
// only needs the map keyed by replica id so effects and broadcasts can
// address them.
func NewNode(cfg Config, logger *zap.Logger, log *ledger.Log, peers map[uint64]*vsr.Peer, checkpointKey ed25519.PrivateKey) (*Node, error) {
	if _, err := ledger.ParseDurability(cfg.DurabilityMode); err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}

	active := make([]uint64, 0, len(cfg.Replicas))
	for _, r := range cfg.Replicas {
		active = append(active, r.ID)
	}

	sessions := session.New(cfg.MaxSessions)
	clk := clock.New(cfg.ReplicaID, len(cfg.Replicas), time.Now)
	repair := vsr.NewRepairBudget(active, cfg.ReplicaID)

	durations := vsr.DefaultDurations()
	durations.Heartbeat = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	durations.ViewChange = time.Duration(cfg.ViewChangeTimeoutMs) * time.Millisecond
	durations.Scrub = time.Second / time.Duration(max1(cfg.ScrubIOPS))
	timers := vsr.NewTimers(durations)
	version := vsr.Version{Major: 1}

	isStandby := false
	for _, s := range cfg.Standbys {
		if s.ID == cfg.ReplicaID {
			isStandby = true
		}
	}

	// A superblock showing prior committed history means this process
	// is restarting after a crash, not bootstrapping a fresh cluster
	// member: recover from durable state (spec.md §4.6.4 steps 1-3)
	// rather than discarding it behind a blank kernel.State.
	var replica *vsr.Replica
	var err error
	sb, sbErr := log.Superblock().Load()
	if sbErr == nil && sb.CommitOp > 0 {
		replica, err = vsr.Recover(cfg.ReplicaID, log, active, sessions, isStandby)
		if err != nil {
			return nil, fmt.Errorf("shell: recover replica: %w", err)
		}
		// Recover only rebuilds the commit-sensitive fields; the
		// collaborators New() wires are still this process's, not the
		// crashed one's.
		replica.Clock = clk
		replica.Repair = repair
		replica.Timers = timers
		replica.Version = version

		if err := replayCommittedState(replica, log); err != nil {
			return nil, fmt.Errorf("shell: replay committed state: %w", err)
		}

		// A single-member cluster has no peer to repair against or
		// confirm the current view with; it is caught up with itself
		// by construction, so recovery has nothing left to wait for.
		if len(active) <= 1 {
			replica.FinishRecovery(replica.View)
		}
	} else {
		replica = vsr.New(cfg.ReplicaID, active, sessions, clk, repair, timers, version)
		if sbErr == nil {
			replica.View = sb.View
		}
	}

	totalBlocks := log.NextOpNumber()
	if totalBlocks == 0 {
		totalBlocks = 1
	}
	tour := scrubber.NewTour(totalBlocks, cfg.ReplicaID, cfg.ScrubIOPS)

	n := &Node{
		Config:           cfg,
		Logger:           logger,
		Metrics:          NewMetrics(),
		Replica:          replica,
		Log:              log,
		Tour:             tour,
		Peers:            peers,
		checkpointKey:    checkpointKey,
		pendingReplies:   make(map[uint64]*pendingReply),
		pingSentAt:       make(map[uint64]time.Time),
		clockWindowStart: time.Now(),
	}
	n.armAll(time.Now())
	return n, nil
}

// replayCommittedState rebuilds a recovered replica's kernel.State from
// the durable log's committed prefix, the part of spec.md §4.6.4 step 3
// Recover itself leaves undone: Recover fixes up the commit-sensitive
// scalars but hands back a blank State, which would otherwise silently
// forget every consent and stream offset applied before the crash.
// Records that don't decode as a kernel command (checkpoints, generation
// transitions) are skipped, matching OnRepair's tolerance for the same
// mixed-kind range.
func replayCommittedState(r *vsr.Replica, log *ledger.Log) error {
	if r.CommitNumber == 0 {
		return nil
	}
	records, err := log.ReadRange(0, r.CommitNumber)
	if err != nil {
		return err
	}
	state := r.State
	for _, rec := range records {
		cmd, err := vsr.DecodeCommand(rec.Payload)
		if err != nil {
			continue
		}
		state, _, err = kernel.ApplyCommitted(state, cmd)
		if err != nil {
			return fmt.Errorf("op %d: %w", rec.OpNumber, err)
		}
	}
	r.State = state
	r.PendingState = state
	return nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func replicaField(id uint64) []zap.Field {
	return []zap.Field{zap.Uint64("peer_id", id)}
}

// armAll arms every timeout kind whose action is self-gated (on
// leadership or replica status) and therefore safe to tick from the
// moment the replica exists. TimeoutViewChange is the exception: it is
// armed only once an election actually starts, at its trigger points in
// handleTimeout and OnStartViewChange, matching
// TimeoutStartViewChangeWindow's pattern in installBestView.
func (n *Node) armAll(now time.Time) {
	n.Replica.Timers.Reset(vsr.TimeoutHeartbeat, now)
	n.Replica.Timers.Reset(vsr.TimeoutScrub, now)
	n.Replica.Timers.Reset(vsr.TimeoutClockSync, now)
	n.Replica.Timers.Reset(vsr.TimeoutPing, now)
	n.Replica.Timers.Reset(vsr.TimeoutPrepare, now)
	n.Replica.Timers.Reset(vsr.TimeoutPrimaryAbdicate, now)
	n.Replica.Timers.Reset(vsr.TimeoutCommitStall, now)
	n.Replica.Timers.Reset(vsr.TimeoutCommitMessage, now)
	n.Replica.Timers.Reset(vsr.TimeoutRepairSync, now)
	if n.Replica.Status == vsr.StatusRecovering {
		n.Replica.Timers.Reset(vsr.TimeoutRecovery, now)
	}
}

// broadcast sends payload under kind to every configured peer,
// recording a send failure as a protocol drop rather than aborting the
// whole broadcast.
func (n *Node) broadcast(kind vsr.Kind, payload any) {
	for id, peer := range n.Peers {
		if err := peer.Send(kind, payload); err != nil {
			n.Metrics.ProtocolDrops.WithLabelValues(string(kind)).Inc()
			n.Logger.Debug("broadcast send failed", append(replicaField(id), zap.Error(err))...)
		}
	}
}

func (n *Node) refreshGauges() {
	n.Metrics.View.Set(float64(n.Replica.View))
	n.Metrics.CommitNumber.Set(float64(n.Replica.CommitNumber))
}

// Tick drives every time-based action a replica takes: firing timeout
// kinds in their deterministic declaration order, advancing the
// background scrub tour, and flushing any fsync the log's durability
// mode deferred, spec.md §5's "single-threaded event loop,
// no goroutine owns replica state besides this one" discipline. The
// caller is expected to call Tick on a short, fixed-period ticker
// (e.g. the smallest configured timeout / 4) rather than per timer.
func (n *Node) Tick(now time.Time) {
	for _, kind := range n.Replica.Timers.Fired(now) {
		n.handleTimeout(kind, now)
	}
	if reps := n.Tour.Advance(n.Log); len(reps) > 0 {
		for _, rep := range reps {
			n.Metrics.ScrubCorruptions.Inc()
			n.Logger.Warn("scrub flagged block for repair",
				zap.Uint64("op_number", rep.OpRange[0]), zap.Error(rep.Reason))
			n.requestRepair(rep.OpRange[0], rep.OpRange[1], now)
		}
	}
	if err := n.Log.Flush(); err != nil {
		n.Logger.Warn("log flush failed", zap.Error(err))
	}
	n.refreshGauges()
}

func (n *Node) handleTimeout(kind vsr.TimeoutKind, now time.Time) {
	switch kind {
	case vsr.TimeoutHeartbeat:
		if n.Replica.IsLeader() {
			n.broadcast(vsr.KindHeartbeat, n.Replica.OnCommitMessageTimeout())
		} else {
			svc := n.Replica.OnHeartbeatTimeout()
			n.Metrics.ViewChanges.Inc()
			n.broadcast(vsr.KindStartViewChange, svc)
			n.Replica.Timers.Reset(vsr.TimeoutViewChange, now)
		}
		n.Replica.Timers.Reset(vsr.TimeoutHeartbeat, now)

	case vsr.TimeoutViewChange:
		n.broadcast(vsr.KindStartViewChange, n.Replica.ReemitStartViewChange())
		n.Replica.Timers.Reset(vsr.TimeoutViewChange, now)

	case vsr.TimeoutPrepare:
		if n.Replica.IsLeader() {
			for op := n.Replica.CommitNumber + 1; op <= n.Replica.OpNumber; op++ {
				if prep, ok := n.Replica.OnPrepareTimeout(op); ok {
					n.broadcast(vsr.KindPrepare, *prep)
				}
			}
		}
		n.Replica.Timers.Reset(vsr.TimeoutPrepare, now)

	case vsr.TimeoutPing:
		for id, peer := range n.Peers {
			n.pingSentAt[id] = now
			if err := peer.Send(vsr.KindPing, vsr.PingPayload{View: n.Replica.View, SentAtNs: now.UnixNano(), ReplicaID: n.Replica.ID}); err != nil {
				n.Metrics.ProtocolDrops.WithLabelValues(string(vsr.KindPing)).Inc()
				n.Logger.Debug("ping send failed", append(replicaField(id), zap.Error(err))...)
			}
		}
		n.Replica.Timers.Reset(vsr.TimeoutPing, now)

	case vsr.TimeoutClockSync:
		if err := n.Replica.Clock.TrySynchronize(n.clockSamples, n.clockWindowStart, now); err != nil {
			n.Logger.Debug("clock sync round failed", zap.Error(err))
		}
		n.clockSamples = nil
		n.clockWindowStart = now
		n.Replica.Timers.Reset(vsr.TimeoutClockSync, now)

	case vsr.TimeoutPrimaryAbdicate:
		if n.Replica.IsLeader() {
			n.Metrics.ViewChanges.Inc()
			n.broadcast(vsr.KindStartViewChange, n.Replica.OnPrimaryAbdicate())
		}

	case vsr.TimeoutCommitStall:
		if n.Replica.IsLeader() && n.Replica.OnCommitStallTimeout() {
			n.Metrics.ViewChanges.Inc()
			n.broadcast(vsr.KindStartViewChange, n.Replica.OnPrimaryAbdicate())
		}
		n.Replica.Timers.Reset(vsr.TimeoutCommitStall, now)

	case vsr.TimeoutCommitMessage:
		if n.Replica.IsLeader() {
			n.broadcast(vsr.KindCommit, vsr.CommitPayload{View: n.Replica.View, CommitNumber: n.Replica.CommitNumber})
		}
		n.Replica.Timers.Reset(vsr.TimeoutCommitMessage, now)

	case vsr.TimeoutStartViewChangeWindow:
		if sv, ok := n.Replica.OnStartViewChangeWindowTimeout(); ok {
			n.Replica.InstallStartView(sv)
			n.broadcast(vsr.KindStartView, sv)
		}
		n.Replica.Timers.Disarm(vsr.TimeoutStartViewChangeWindow)

	case vsr.TimeoutRepairSync, vsr.TimeoutRecovery, vsr.TimeoutScrub:
		n.Replica.Timers.Reset(kind, now)
	}
}

func (n *Node) requestRepair(from, to uint64, now time.Time) {
	peerID, err := n.Replica.Repair.Select(now)
	if err != nil {
		n.Logger.Debug("no eligible repair peer", zap.Error(err))
		return
	}
	peer, ok := n.Peers[peerID]
	if !ok {
		return
	}
	reqID, err := n.Replica.Repair.Send(peerID, now)
	if err != nil {
		return
	}
	n.Metrics.RepairRequests.Inc()
	n.Metrics.RepairInflight.Inc()
	if err := peer.Send(vsr.KindRepair, vsr.RepairPayload{FromOpNumber: from, ToOpNumber: to, RequestID: reqID}); err != nil {
		n.Logger.Debug("repair send failed", zap.Error(err))
	}
}

// --- vsr.Handler ---

func (n *Node) OnPrepare(peer *vsr.Peer, p vsr.PreparePayload) error {
	ok, err := n.Replica.HandlePrepare(p)
	if err != nil {
		n.Metrics.ByzantineRejected.WithLabelValues("prepare").Inc()
		return err
	}
	if ok != nil && peer != nil {
		return peer.Send(vsr.KindPrepareOk, *ok)
	}
	return nil
}

func (n *Node) OnPrepareOk(peer *vsr.Peer, p vsr.PrepareOkPayload) error {
	if n.Replica.RecordPrepareOk(p.OpNumber, p.ReplicaID) {
		oldCommit := n.Replica.CommitNumber
		effects, err := n.Replica.AdvanceCommit(p.OpNumber)
		if err != nil {
			return err
		}
		if err := n.executeEffects(effects); err != nil {
			n.Logger.Warn("effect execution errors", zap.Error(err))
		}
		n.sendPendingReplies(oldCommit+1, n.Replica.CommitNumber)
		n.broadcast(vsr.KindCommit, vsr.CommitPayload{View: n.Replica.View, CommitNumber: n.Replica.CommitNumber})
	}
	return nil
}

// sendPendingReplies delivers the cached Reply for every op_number in
// [fromOp, toOp] that a client is still waiting on, draining
// pendingReplies as it goes. A missing entry (a backup's commit, or an
// op this replica never received the originating Request for) is
// silently skipped.
func (n *Node) sendPendingReplies(fromOp, toOp uint64) {
	for op := fromOp; op <= toOp; op++ {
		pending, ok := n.pendingReplies[op]
		if !ok {
			continue
		}
		delete(n.pendingReplies, op)

		cached, ok := n.Replica.Sessions.CheckDuplicate(session.ClientID(pending.clientID), pending.requestNumber)
		if !ok {
			continue
		}
		effectsJSON, err := json.Marshal(cached.Effects)
		if err != nil {
			n.Logger.Warn("marshal reply effects", zap.Error(err))
			effectsJSON = nil
		}
		reply := vsr.ReplyPayload{
			View:          n.Replica.View,
			RequestNumber: pending.requestNumber,
			ReplyOp:       cached.ReplyOp,
			EffectsJSON:   effectsJSON,
		}
		if err := pending.peer.Send(vsr.KindReply, reply); err != nil {
			n.Metrics.ProtocolDrops.WithLabelValues(string(vsr.KindReply)).Inc()
			n.Logger.Debug("reply send failed", zap.Error(err))
		}
	}
}

func (n *Node) OnCommit(peer *vsr.Peer, p vsr.CommitPayload) error {
	effects, err := n.Replica.HandleCommit(p)
	if err != nil {
		n.Metrics.ByzantineRejected.WithLabelValues("commit").Inc()
		return err
	}
	return n.executeEffects(effects)
}

func (n *Node) OnHeartbeat(peer *vsr.Peer, p vsr.HeartbeatPayload) error {
	n.Replica.Timers.Reset(vsr.TimeoutHeartbeat, time.Now())
	if peer != nil {
		return peer.Send(vsr.KindHeartbeatReply, vsr.HeartbeatReplyPayload{View: n.Replica.View, ReplicaID: n.Replica.ID})
	}
	return nil
}

func (n *Node) OnHeartbeatReply(peer *vsr.Peer, p vsr.HeartbeatReplyPayload) error {
	return nil
}

func (n *Node) OnStartViewChange(peer *vsr.Peer, p vsr.StartViewChangePayload) error {
	if n.Replica.RecordStartViewChange(p.View, p.ReplicaID) {
		n.Replica.Timers.Reset(vsr.TimeoutViewChange, time.Now())
		dvc := n.Replica.BuildDoViewChange()
		leader := vsr.DeterministicLeader(n.Replica.State.Config.ActiveReplicas, n.Replica.View)
		if leader == n.Replica.ID {
			if quorum, err := n.Replica.RecordDoViewChange(dvc); err == nil && quorum {
				n.installBestView()
			}
			return nil
		}
		if target, ok := n.Peers[leader]; ok {
			return target.Send(vsr.KindDoViewChange, dvc)
		}
	}
	return nil
}

func (n *Node) OnDoViewChange(peer *vsr.Peer, p vsr.DoViewChangePayload) error {
	quorum, err := n.Replica.RecordDoViewChange(p)
	if err != nil {
		n.Metrics.ByzantineRejected.WithLabelValues("do_view_change").Inc()
		return err
	}
	if quorum {
		n.installBestView()
	}
	return nil
}

func (n *Node) installBestView() {
	n.Metrics.ViewChanges.Inc()
	n.Replica.Timers.Disarm(vsr.TimeoutViewChange)
	n.Replica.Timers.Reset(vsr.TimeoutStartViewChangeWindow, time.Now())
	n.Logger.Info("view change quorum reached", replicaFields(n.Replica.ID, n.Replica.View, n.Replica.CommitNumber)...)
}

func (n *Node) OnStartView(peer *vsr.Peer, p vsr.StartViewPayload) error {
	n.Replica.InstallStartView(p)
	n.Replica.Timers.Disarm(vsr.TimeoutViewChange)
	return nil
}

func (n *Node) OnRequest(peer *vsr.Peer, p vsr.RequestPayload) error {
	if !n.Replica.IsLeader() {
		if peer != nil {
			leader := vsr.DeterministicLeader(n.Replica.State.Config.ActiveReplicas, n.Replica.View)
			return peer.Send(vsr.KindRequestNack, vsr.RequestNackPayload{View: n.Replica.View, PrimaryID: leader})
		}
		return nil
	}
	if cached, ok := n.Replica.Sessions.CheckDuplicate(session.ClientID(p.ClientID), p.RequestNumber); ok {
		if peer != nil {
			return peer.Send(vsr.KindReply, vsr.ReplyPayload{ReplyOp: cached.ReplyOp, RequestNumber: p.RequestNumber})
		}
		return nil
	}
	cmd, err := vsr.DecodeCommand(p.CommandJSON)
	if err != nil {
		n.Metrics.ByzantineRejected.WithLabelValues("request_decode").Inc()
		return err
	}
	prep, err := n.Replica.PrepareCommand(p.ClientID, p.RequestNumber, cmd, time.Now(), time.Now())
	if err != nil {
		return err
	}
	if peer != nil {
		n.pendingReplies[prep.OpNumber] = &pendingReply{peer: peer, clientID: p.ClientID, requestNumber: p.RequestNumber}
	}
	n.broadcast(vsr.KindPrepare, *prep)
	// The primary counts its own implicit PrepareOk vote immediately,
	// matching RecordPrepareOk's convention.
	if n.Replica.RecordPrepareOk(prep.OpNumber, n.Replica.ID) {
		oldCommit := n.Replica.CommitNumber
		effects, err := n.Replica.AdvanceCommit(prep.OpNumber)
		if err != nil {
			return err
		}
		if err := n.executeEffects(effects); err != nil {
			n.Logger.Warn("effect execution errors", zap.Error(err))
		}
		n.sendPendingReplies(oldCommit+1, n.Replica.CommitNumber)
	}
	return nil
}

func (n *Node) OnReply(peer *vsr.Peer, p vsr.ReplyPayload) error { return nil }

func (n *Node) OnRequestNack(peer *vsr.Peer, p vsr.RequestNackPayload) error { return nil }

func (n *Node) OnRepair(peer *vsr.Peer, p vsr.RepairPayload) error {
	records, err := n.Log.ReadRange(p.FromOpNumber, p.ToOpNumber)
	if err != nil {
		return nil
	}
	entries := make([]vsr.LogEntry, 0, len(records))
	for _, rec := range records {
		cmd, err := vsr.DecodeCommand(rec.Payload)
		if err != nil {
			continue
		}
		entries = append(entries, vsr.LogEntry{OpNumber: rec.OpNumber, Command: cmd, Timestamp: rec.Timestamp})
	}
	if peer != nil {
		return peer.Send(vsr.KindRepairReply, vsr.RepairReplyPayload{RequestID: p.RequestID, Entries: entries})
	}
	return nil
}

func (n *Node) OnRepairReply(peer *vsr.Peer, p vsr.RepairReplyPayload) error {
	if peer != nil {
		n.Replica.Repair.Complete(peer.ReplicaID, p.RequestID, time.Now())
	}
	n.Metrics.RepairInflight.Dec()
	return nil
}

// OnPing handles both directions of the health probe: an inbound probe
// (p.Reply false) gets echoed back with Reply true, and an inbound pong
// (p.Reply true) is reduced, against the matching entry in pingSentAt,
// into a clock.PingPongSample queued for the next TimeoutClockSync
// round.
func (n *Node) OnPing(peer *vsr.Peer, p vsr.PingPayload) error {
	if peer == nil {
		return nil
	}
	if !p.Reply {
		return peer.Send(vsr.KindPing, vsr.PingPayload{View: n.Replica.View, SentAtNs: time.Now().UnixNano(), ReplicaID: n.Replica.ID, Reply: true})
	}

	m0, ok := n.pingSentAt[p.ReplicaID]
	if !ok {
		return nil
	}
	delete(n.pingSentAt, p.ReplicaID)
	n.clockSamples = append(n.clockSamples, clock.PingPongSample{
		ReplicaID: p.ReplicaID,
		M0:        m0,
		T1Remote:  time.Unix(0, p.SentAtNs),
		M2:        time.Now(),
	})
	return nil
}
