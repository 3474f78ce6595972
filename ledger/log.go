package ledger

import (
	"crypto/ed25519"
	"encoding/binary"
	"path/filepath"

	"kimberlite.dev/core/crypto"
)

// Log is the append-only log component as a whole: the record file, its
// sparse index, and the four-copy superblock that anchors it. Replicas
// hold exactly one Log for their local copy of the cluster's history.
type Log struct {
	file *File
	idx  *Index
	sb   *SuperblockStore

	provider crypto.Provider
}

// OpenLog opens (or creates) a Log rooted at dir: dir/log.data,
// dir/log.idx, dir/log.sb.
func OpenLog(dir string, provider crypto.Provider, durability Durability) (*Log, error) {
	idx, err := OpenIndex(filepath.Join(dir, "log.idx"))
	if err != nil {
		return nil, err
	}
	file, err := OpenFile(filepath.Join(dir, "log.data"), idx, provider, durability)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	sb, err := OpenSuperblockStore(filepath.Join(dir, "log.sb"), provider)
	if err != nil {
		_ = file.Close()
		_ = idx.Close()
		return nil, err
	}
	return &Log{file: file, idx: idx, sb: sb, provider: provider}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	if err := l.sb.Close(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	return l.idx.Close()
}

// Append is the append operation of spec.md §4.2.
func (l *Log) Append(kind RecordKind, tenantID, streamID uint64, timestamp int64, payload []byte) (opNumber uint64, offset int64, chainHash [32]byte, err error) {
	return l.file.Append(kind, tenantID, streamID, timestamp, payload)
}

// Read is the read operation of spec.md §4.2.
func (l *Log) Read(opNumber uint64) (Record, error) {
	return l.file.Read(opNumber)
}

// ReadRange is the read_range operation of spec.md §4.2.
func (l *Log) ReadRange(lo, hi uint64) ([]Record, error) {
	return l.file.ReadRange(lo, hi)
}

// ReadVerified is the read_verified operation of spec.md §4.2.
func (l *Log) ReadVerified(offset, endOpNumber uint64) ([]Record, error) {
	return l.file.ReadVerified(offset, endOpNumber)
}

// TruncateAfter is the truncate_after operation of spec.md §4.2. Callers
// are responsible for the "committed prefix is preserved" safety
// predicate before calling this; Log enforces only that the file and
// index stay consistent with each other.
func (l *Log) TruncateAfter(opNumber uint64) error {
	return l.file.TruncateAfter(opNumber)
}

// Flush is called by the shell per the configured durability mode's
// batching policy.
func (l *Log) Flush() error {
	return l.file.Flush()
}

// NextOpNumber reports the op_number the next Append will use.
func (l *Log) NextOpNumber() uint64 {
	return l.file.NextOpNumber()
}

// CheckpointPayload is the payload of a Checkpoint record: the state
// digest being anchored and the signature over it.
type CheckpointPayload struct {
	StateDigest [32]byte
	Signature   []byte
}

func encodeCheckpointPayload(p CheckpointPayload) []byte {
	out := make([]byte, 32+len(p.Signature))
	copy(out[:32], p.StateDigest[:])
	copy(out[32:], p.Signature)
	return out
}

func decodeCheckpointPayload(b []byte) (CheckpointPayload, error) {
	if len(b) < 32 {
		return CheckpointPayload{}, newErr(ErrCodeBadFrame, "checkpoint payload too short", nil)
	}
	var p CheckpointPayload
	copy(p.StateDigest[:], b[:32])
	p.Signature = append([]byte(nil), b[32:]...)
	return p, nil
}

// CreateCheckpoint is the create_checkpoint operation of spec.md §4.2.
// It writes a Checkpoint record carrying stateDigest and sk's Ed25519
// signature over (upToOp, stateDigest); upToOp itself is not stored in
// the record. ReadVerified does not consult Checkpoint records: it
// verifies the whole requested range.
func (l *Log) CreateCheckpoint(tenantID uint64, upToOp uint64, stateDigest [32]byte, sk ed25519.PrivateKey, timestamp int64) (opNumber uint64, offset int64, chainHash [32]byte, err error) {
	sigMsg := make([]byte, 8+32)
	binary.LittleEndian.PutUint64(sigMsg[:8], upToOp)
	copy(sigMsg[8:], stateDigest[:])
	sig := l.provider.Sign(sk, sigMsg)

	payload := encodeCheckpointPayload(CheckpointPayload{StateDigest: stateDigest, Signature: sig})
	return l.file.Append(RecordKindCheckpoint, tenantID, 0, timestamp, payload)
}

// Superblock exposes the superblock load/store operations described in
// spec.md §3.3/§4.2.
func (l *Log) Superblock() *SuperblockStore { return l.sb }

// Index exposes the sparse index's auxiliary pointer table, used by the
// VSR component to persist cluster-config blobs keyed by their hash.
func (l *Log) Index() *Index { return l.idx }
