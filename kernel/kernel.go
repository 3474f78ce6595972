package kernel

// ApplyCommitted is the pure kernel's single entry point:
// apply_committed(state, command) -> (state', effects). It takes no
// clock, no RNG, no I/O; every non-deterministic input arrives already
// embedded in cmd. A command either succeeds — possibly as a logical
// no-op — or returns a typed *Error; it never panics.
func ApplyCommitted(state State, cmd Command) (State, []Effect, error) {
	switch c := cmd.(type) {
	case CreateStream:
		return applyCreateStream(state, c)
	case AppendBatch:
		return applyAppendBatch(state, c)
	case DeleteStream:
		return applyDeleteStream(state, c)
	case CreateCheckpoint:
		return applyCreateCheckpoint(state, c)
	case GrantConsent:
		return applyGrantConsent(state, c)
	case WithdrawConsent:
		return applyWithdrawConsent(state, c)
	case Reconfigure:
		return applyReconfigure(state, c)
	case CommitReconfigure:
		return applyCommitReconfigure(state, c)
	case RegisterStandby:
		return applyRegisterStandby(state, c)
	default:
		return state, nil, kerr(ErrCodeUnknownCommand, "unknown command type")
	}
}

func applyCreateStream(state State, c CreateStream) (State, []Effect, error) {
	key := StreamKey{TenantID: c.TenantID, StreamID: c.StreamID}
	if existing, ok := state.Streams[key]; ok && existing.Exists {
		return state, nil, kerr(ErrCodeStreamExists, "stream already exists")
	}
	next := state.clone()
	next.Streams[key] = StreamState{Offset: 0, Exists: true}
	return next, nil, nil
}

func applyAppendBatch(state State, c AppendBatch) (State, []Effect, error) {
	key := StreamKey{TenantID: c.TenantID, StreamID: c.StreamID}
	stream, ok := state.Streams[key]
	if !ok || !stream.Exists {
		return state, nil, kerr(ErrCodeStreamNotFound, "stream does not exist")
	}
	if !state.Consents[c.TenantID] {
		return state, nil, kerr(ErrCodeConsentRequired, "tenant has not granted consent")
	}
	if c.ExpectedOffset != nil && *c.ExpectedOffset != stream.Offset {
		return state, nil, kerr(ErrCodeOffsetMismatch, "expected_offset does not match current offset")
	}

	effects := make([]Effect, 0, len(c.Events)+1)
	offset := stream.Offset
	for _, ev := range c.Events {
		effects = append(effects, AppendToLog{
			TenantID:  c.TenantID,
			StreamID:  c.StreamID,
			Kind:      0, // ledger.RecordKindData
			Payload:   ev,
			Timestamp: c.Timestamp,
		})
		offset++
	}
	effects = append(effects, UpdateIndex{TenantID: c.TenantID, StreamID: c.StreamID, NewOffset: offset})

	next := state.clone()
	next.Streams[key] = StreamState{Offset: offset, Exists: true}
	return next, effects, nil
}

func applyDeleteStream(state State, c DeleteStream) (State, []Effect, error) {
	key := StreamKey{TenantID: c.TenantID, StreamID: c.StreamID}
	if existing, ok := state.Streams[key]; !ok || !existing.Exists {
		return state, nil, kerr(ErrCodeStreamNotFound, "stream does not exist")
	}
	next := state.clone()
	delete(next.Streams, key)
	effects := []Effect{AppendToLog{
		TenantID: c.TenantID,
		StreamID: c.StreamID,
		Kind:     2, // ledger.RecordKindTombstone
	}}
	return next, effects, nil
}

func applyCreateCheckpoint(state State, c CreateCheckpoint) (State, []Effect, error) {
	next := state.clone()
	id := next.NextGeneratedID
	next.NextGeneratedID++
	effects := []Effect{CreateCheckpointEffect{
		TenantID:     c.TenantID,
		CheckpointID: id,
		Timestamp:    c.Timestamp,
	}}
	return next, effects, nil
}

func applyGrantConsent(state State, c GrantConsent) (State, []Effect, error) {
	if state.Consents[c.TenantID] {
		return state, nil, nil // already granted: logical no-op
	}
	next := state.clone()
	next.Consents[c.TenantID] = true
	return next, nil, nil
}

func applyWithdrawConsent(state State, c WithdrawConsent) (State, []Effect, error) {
	if !state.Consents[c.TenantID] {
		return state, nil, nil // already withdrawn: logical no-op
	}
	next := state.clone()
	delete(next.Consents, c.TenantID)
	return next, nil, nil
}

// validateReconfig computes the target active set for cmd against
// current, enforcing spec.md §4.6.5's "odd size, no duplicates" rule.
func validateReconfig(current map[uint64]bool, cmd ReconfigCommand) (map[uint64]bool, error) {
	next := cloneSet(current)
	switch cmd.Op {
	case ReconfigAdd:
		if next[cmd.AddID] {
			return nil, kerr(ErrCodeInvalidReconfig, "replica already active")
		}
		next[cmd.AddID] = true
	case ReconfigRemove:
		if !next[cmd.RemoveID] {
			return nil, kerr(ErrCodeInvalidReconfig, "replica not active")
		}
		delete(next, cmd.RemoveID)
	case ReconfigReplace:
		if !next[cmd.RemoveID] {
			return nil, kerr(ErrCodeInvalidReconfig, "replica to remove is not active")
		}
		if cmd.AddID == cmd.RemoveID || next[cmd.AddID] {
			return nil, kerr(ErrCodeInvalidReconfig, "replacement id collides with an active replica")
		}
		delete(next, cmd.RemoveID)
		next[cmd.AddID] = true
	default:
		return nil, kerr(ErrCodeInvalidReconfig, "unknown reconfig op")
	}
	if len(next)%2 == 0 {
		return nil, kerr(ErrCodeInvalidReconfig, "resulting active set must have odd size")
	}
	return next, nil
}

func applyReconfigure(state State, c Reconfigure) (State, []Effect, error) {
	if state.Config.Phase != ReconfigStable {
		return state, nil, kerr(ErrCodeReconfigInFlight, "a reconfiguration is already in flight")
	}
	newActive, err := validateReconfig(state.Config.ActiveReplicas, c.Command)
	if err != nil {
		return state, nil, err
	}

	next := state.clone()
	next.Config.Phase = ReconfigJoint
	next.Config.OldActive = cloneSet(state.Config.ActiveReplicas)
	next.Config.NewActive = newActive
	next.Config.JointOp = c.JoinedAtOp

	effects := []Effect{AppendToLog{Kind: 3 /* ledger.RecordKindReconfigMarker */, Timestamp: 0}}
	return next, effects, nil
}

func applyCommitReconfigure(state State, _ CommitReconfigure) (State, []Effect, error) {
	if state.Config.Phase != ReconfigJoint {
		return state, nil, kerr(ErrCodeInvalidReconfig, "no reconfiguration in flight to commit")
	}
	next := state.clone()
	next.Config.ActiveReplicas = next.Config.NewActive
	next.Config.Phase = ReconfigStable
	next.Config.OldActive = nil
	next.Config.NewActive = nil
	next.Config.JointOp = 0

	effects := []Effect{WriteSuperblock{}}
	return next, effects, nil
}

func applyRegisterStandby(state State, c RegisterStandby) (State, []Effect, error) {
	if state.Config.ActiveReplicas[c.ReplicaID] {
		return state, nil, kerr(ErrCodeUnknownStandby, "replica is already active, not a standby")
	}
	if state.Config.StandbyReplicas[c.ReplicaID] {
		return state, nil, nil // already registered: logical no-op
	}
	next := state.clone()
	next.Config.StandbyReplicas[c.ReplicaID] = true
	return next, nil, nil
}
