package kernel

// Effect is one declarative action the shell must execute on behalf of
// a committed command. The kernel never performs these itself; it only
// describes them. All effects from one apply_committed call execute in
// order before the shell accepts the next event (spec.md §6.3).
type Effect interface {
	isEffect()
}

// AppendToLog asks the shell to append a record to the append-only log.
type AppendToLog struct {
	TenantID  uint64
	StreamID  uint64
	Kind      uint8 // ledger.RecordKind, kept untyped here to avoid an import cycle
	Payload   []byte
	Timestamp int64
}

func (AppendToLog) isEffect() {}

// UpdateIndex asks the shell to advance a stream's offset index after a
// successful AppendBatch.
type UpdateIndex struct {
	TenantID  uint64
	StreamID  uint64
	NewOffset uint64
}

func (UpdateIndex) isEffect() {}

// CreateCheckpointEffect asks the shell to write a Checkpoint record
// anchoring the given tenant's state as of the kernel's own generated
// checkpoint id.
type CreateCheckpointEffect struct {
	TenantID     uint64
	CheckpointID uint64
	Timestamp    int64
}

func (CreateCheckpointEffect) isEffect() {}

// SendMessage asks the shell to deliver a VSR protocol message. The
// kernel only produces these for commands with a direct replication
// side effect (reconfiguration); normal-case Prepare/PrepareOk/Commit
// traffic is driven by the vsr package itself, not the kernel.
type SendMessage struct {
	ToReplicaID uint64
	Kind        string
	Payload     []byte
}

func (SendMessage) isEffect() {}

// ExecuteScrubAction asks the shell to nudge the scrubber, e.g. to
// reprioritize a range just written or deleted.
type ExecuteScrubAction struct {
	FromOffset int64
	ToOffset   int64
}

func (ExecuteScrubAction) isEffect() {}

// WriteSuperblock asks the shell to persist an updated superblock,
// e.g. after a reconfiguration commits and the cluster-config hash
// changes.
type WriteSuperblock struct {
	ClusterConfigHash [32]byte
}

func (WriteSuperblock) isEffect() {}
