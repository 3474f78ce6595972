package kernel

// Command is the sealed set of operations apply_committed accepts.
// Every non-determinism source (timestamps, idempotency ids, generated
// ids) is supplied by the caller on the command itself; the kernel
// reads no clock, RNG, or I/O of its own.
type Command interface {
	isCommand()
}

// CreateStream creates an empty stream at offset 0.
type CreateStream struct {
	TenantID uint64
	StreamID uint64
}

func (CreateStream) isCommand() {}

// AppendBatch appends events to a stream. If ExpectedOffset is non-nil,
// the append fails OffsetMismatch unless the stream's current offset
// equals it; if nil, the batch appends at the current offset
// unconditionally.
type AppendBatch struct {
	TenantID       uint64
	StreamID       uint64
	Events         [][]byte
	ExpectedOffset *uint64
	IdempotencyID  [16]byte
	Timestamp      int64
}

func (AppendBatch) isCommand() {}

// DeleteStream removes a stream and its offset state.
type DeleteStream struct {
	TenantID uint64
	StreamID uint64
}

func (DeleteStream) isCommand() {}

// CreateCheckpoint requests a checkpoint of a tenant's current state.
type CreateCheckpoint struct {
	TenantID  uint64
	Timestamp int64
}

func (CreateCheckpoint) isCommand() {}

// GrantConsent marks a tenant as having granted data-processing consent.
// AppendBatch for a tenant without consent fails ConsentRequired.
type GrantConsent struct {
	TenantID uint64
}

func (GrantConsent) isCommand() {}

// WithdrawConsent revokes a tenant's consent. Existing data is
// untouched; only future AppendBatch calls are affected.
type WithdrawConsent struct {
	TenantID uint64
}

func (WithdrawConsent) isCommand() {}

// Reconfigure advances cluster membership per spec.md §4.6.5's joint
// consensus protocol. JoinedAtOp is the op_number the primary assigned
// this Prepare; it becomes the Joint phase's joint_op.
type Reconfigure struct {
	Command    ReconfigCommand
	JoinedAtOp uint64
}

func (Reconfigure) isCommand() {}

// CommitReconfigure is the second Prepare of a reconfiguration (the
// ReconfigMarker), issued once JoinedAtOp has committed. It carries no
// additional data: it just transitions Joint -> Stable(new).
type CommitReconfigure struct{}

func (CommitReconfigure) isCommand() {}

// RegisterStandby adds a replica to the standby set.
type RegisterStandby struct {
	ReplicaID uint64
}

func (RegisterStandby) isCommand() {}
