package vsr

import (
	"encoding/json"

	"kimberlite.dev/core/kernel"
)

// PreparePayload is the primary's broadcast of a newly-ordered command,
// spec.md §4.6.2 step 4.
type PreparePayload struct {
	View          uint64
	OpNumber      uint64
	CommandJSON   json.RawMessage
	CommitNumber  uint64
	Timestamp     int64
	PrevHash      [32]byte
	ClientID      uint64
	RequestNumber uint64
	Reconfig      *kernel.ReconfigCommand `json:"Reconfig,omitempty"`
}

// PrepareOkPayload is a backup's acknowledgement of a Prepare.
type PrepareOkPayload struct {
	View      uint64
	OpNumber  uint64
	ReplicaID uint64
}

// CommitPayload announces the primary's advanced commit_number.
type CommitPayload struct {
	View         uint64
	CommitNumber uint64
}

// HeartbeatPayload is the primary's periodic liveness broadcast.
type HeartbeatPayload struct {
	View         uint64
	CommitNumber uint64
}

// HeartbeatReplyPayload acknowledges a Heartbeat.
type HeartbeatReplyPayload struct {
	View      uint64
	ReplicaID uint64
}

// StartViewChangePayload announces a replica's move to a new view.
type StartViewChangePayload struct {
	View      uint64
	ReplicaID uint64
}

// DoViewChangePayload is a replica's full state, sent to the new
// leader once it has observed a quorum of StartViewChange at the same
// view, spec.md §4.6.3 step 2.
type DoViewChangePayload struct {
	View            uint64
	LastNormalView  uint64
	OpNumber        uint64
	CommitNumber    uint64
	LogTail         []LogEntry
	ReconfigPhase kernel.ReconfigPhase
	ReconfigOld   map[uint64]bool
	ReconfigNew   map[uint64]bool
	ReplicaID     uint64
}

// StartViewPayload installs the new leader's chosen log tail.
type StartViewPayload struct {
	View          uint64
	LogTail       []LogEntry
	CommitNumber  uint64
	ReconfigPhase kernel.ReconfigPhase
	ReconfigOld   map[uint64]bool
	ReconfigNew   map[uint64]bool
}

// RequestPayload is a client's command submission.
type RequestPayload struct {
	ClientID      uint64
	RequestNumber uint64
	CommandJSON   json.RawMessage
}

// ReplyPayload is the reply to a client Request, cached verbatim in
// the committed session table for idempotent retry.
type ReplyPayload struct {
	View          uint64
	RequestNumber uint64
	ReplyOp       uint64
	EffectsJSON   json.RawMessage
}

// RequestNackPayload tells a client its request_number is stale or the
// replica it contacted is not the primary.
type RequestNackPayload struct {
	View      uint64
	PrimaryID uint64
}

// RepairPayload asks a peer for a contiguous op range this replica is
// missing.
type RepairPayload struct {
	FromOpNumber uint64
	ToOpNumber   uint64
	RequestID    uint64
}

// RepairReplyPayload answers a RepairPayload with the requested entries.
type RepairReplyPayload struct {
	RequestID uint64
	Entries   []LogEntry
}

// PingPayload carries this replica's own view and a send timestamp,
// used both for the always-on health probe and for clock sampling.
// Reply distinguishes an inbound probe (false) from its pong (true) so
// a probe never itself provokes another probe.
type PingPayload struct {
	View      uint64
	SentAtNs  int64
	ReplicaID uint64
	Reply     bool
}
