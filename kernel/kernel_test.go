package kernel

import "testing"

func TestCreateStreamThenAppendBatch(t *testing.T) {
	state := NewState([]uint64{1, 2, 3})
	state, _, err := ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	state, _, err = ApplyCommitted(state, GrantConsent{TenantID: 1})
	if err != nil {
		t.Fatalf("GrantConsent: %v", err)
	}

	state, effects, err := ApplyCommitted(state, AppendBatch{
		TenantID:  1,
		StreamID:  1,
		Events:    [][]byte{[]byte("a"), []byte("b")},
		Timestamp: 100,
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if len(effects) != 3 { // 2 AppendToLog + 1 UpdateIndex
		t.Fatalf("got %d effects, want 3", len(effects))
	}
	got := state.Streams[StreamKey{TenantID: 1, StreamID: 1}]
	if got.Offset != 2 {
		t.Fatalf("offset = %d, want 2", got.Offset)
	}
}

func TestAppendBatchRequiresConsent(t *testing.T) {
	state := NewState([]uint64{1})
	state, _, err := ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	_, _, err = ApplyCommitted(state, AppendBatch{TenantID: 1, StreamID: 1, Events: [][]byte{[]byte("a")}})
	kerr, ok := err.(*Error)
	if !ok || kerr.Code != ErrCodeConsentRequired {
		t.Fatalf("expected ErrCodeConsentRequired, got %v", err)
	}
}

func TestAppendBatchOffsetMismatch(t *testing.T) {
	state := NewState([]uint64{1})
	state, _, _ = ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	state, _, _ = ApplyCommitted(state, GrantConsent{TenantID: 1})

	bad := uint64(5)
	_, _, err := ApplyCommitted(state, AppendBatch{
		TenantID:       1,
		StreamID:       1,
		Events:         [][]byte{[]byte("a")},
		ExpectedOffset: &bad,
	})
	e, ok := err.(*Error)
	if !ok || e.Code != ErrCodeOffsetMismatch {
		t.Fatalf("expected ErrCodeOffsetMismatch, got %v", err)
	}
}

func TestAppendBatchExpectedOffsetSucceedsWhenCurrent(t *testing.T) {
	state := NewState([]uint64{1})
	state, _, _ = ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	state, _, _ = ApplyCommitted(state, GrantConsent{TenantID: 1})

	zero := uint64(0)
	state, _, err := ApplyCommitted(state, AppendBatch{
		TenantID:       1,
		StreamID:       1,
		Events:         [][]byte{[]byte("a")},
		ExpectedOffset: &zero,
	})
	if err != nil {
		t.Fatalf("AppendBatch with correct expected_offset: %v", err)
	}
	if state.Streams[StreamKey{1, 1}].Offset != 1 {
		t.Fatalf("offset after append = %d", state.Streams[StreamKey{1, 1}].Offset)
	}
}

func TestCreateStreamRejectsDuplicate(t *testing.T) {
	state := NewState([]uint64{1})
	state, _, err := ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	if err != nil {
		t.Fatalf("first CreateStream: %v", err)
	}
	_, _, err = ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	e, ok := err.(*Error)
	if !ok || e.Code != ErrCodeStreamExists {
		t.Fatalf("expected ErrCodeStreamExists, got %v", err)
	}
}

func TestDeleteStreamThenAppendFails(t *testing.T) {
	state := NewState([]uint64{1})
	state, _, _ = ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	state, _, err := ApplyCommitted(state, DeleteStream{TenantID: 1, StreamID: 1})
	if err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, ok := state.Streams[StreamKey{1, 1}]; ok {
		t.Fatalf("stream still present after delete")
	}
	_, _, err = ApplyCommitted(state, AppendBatch{TenantID: 1, StreamID: 1, Events: [][]byte{[]byte("a")}})
	e, ok := err.(*Error)
	if !ok || e.Code != ErrCodeStreamNotFound {
		t.Fatalf("expected ErrCodeStreamNotFound, got %v", err)
	}
}

func TestCreateCheckpointAssignsDistinctIDs(t *testing.T) {
	state := NewState([]uint64{1})
	state, effects1, err := ApplyCommitted(state, CreateCheckpoint{TenantID: 1, Timestamp: 1})
	if err != nil {
		t.Fatalf("CreateCheckpoint 1: %v", err)
	}
	state, effects2, err := ApplyCommitted(state, CreateCheckpoint{TenantID: 1, Timestamp: 2})
	if err != nil {
		t.Fatalf("CreateCheckpoint 2: %v", err)
	}
	id1 := effects1[0].(CreateCheckpointEffect).CheckpointID
	id2 := effects2[0].(CreateCheckpointEffect).CheckpointID
	if id1 == id2 {
		t.Fatalf("checkpoint ids not distinct: %d == %d", id1, id2)
	}
}

func TestReconfigureAddThenCommit(t *testing.T) {
	state := NewState([]uint64{1, 2, 3})
	state, _, err := ApplyCommitted(state, Reconfigure{Command: ReconfigCommand{Op: ReconfigAdd, AddID: 4}, JoinedAtOp: 10})
	// adding one replica to a 3-member cluster yields 4 (even) -> must be rejected
	e, ok := err.(*Error)
	if !ok || e.Code != ErrCodeInvalidReconfig {
		t.Fatalf("expected ErrCodeInvalidReconfig for even-sized result, got %v", err)
	}

	state, _, err = ApplyCommitted(state, Reconfigure{
		Command:    ReconfigCommand{Op: ReconfigReplace, AddID: 4, RemoveID: 3},
		JoinedAtOp: 10,
	})
	if err != nil {
		t.Fatalf("Reconfigure Replace: %v", err)
	}
	if state.Config.Phase != ReconfigJoint {
		t.Fatalf("expected Joint phase after Reconfigure")
	}

	_, _, err = ApplyCommitted(state, Reconfigure{Command: ReconfigCommand{Op: ReconfigAdd, AddID: 5}})
	e, ok = err.(*Error)
	if !ok || e.Code != ErrCodeReconfigInFlight {
		t.Fatalf("expected ErrCodeReconfigInFlight for a second reconfigure, got %v", err)
	}

	state, effects, err := ApplyCommitted(state, CommitReconfigure{})
	if err != nil {
		t.Fatalf("CommitReconfigure: %v", err)
	}
	if state.Config.Phase != ReconfigStable {
		t.Fatalf("expected Stable phase after commit")
	}
	if state.Config.ActiveReplicas[3] || !state.Config.ActiveReplicas[4] {
		t.Fatalf("active set after replace = %v", state.Config.ActiveReplicas)
	}
	if len(effects) != 1 {
		t.Fatalf("expected one WriteSuperblock effect, got %d", len(effects))
	}
}

func TestRegisterStandbyRejectsActiveReplica(t *testing.T) {
	state := NewState([]uint64{1, 2, 3})
	_, _, err := ApplyCommitted(state, RegisterStandby{ReplicaID: 1})
	e, ok := err.(*Error)
	if !ok || e.Code != ErrCodeUnknownStandby {
		t.Fatalf("expected ErrCodeUnknownStandby, got %v", err)
	}
}

func TestCloneStateIsIndependent(t *testing.T) {
	state := NewState([]uint64{1})
	state2, _, err := ApplyCommitted(state, CreateStream{TenantID: 1, StreamID: 1})
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, ok := state.Streams[StreamKey{1, 1}]; ok {
		t.Fatalf("original state was mutated by ApplyCommitted")
	}
	if _, ok := state2.Streams[StreamKey{1, 1}]; !ok {
		t.Fatalf("returned state is missing the new stream")
	}
}
