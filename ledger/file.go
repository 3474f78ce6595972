package ledger

import (
	"os"
	"sync"

	"kimberlite.dev/core/crypto"
)

// indexStride is how many op_numbers apart two sparse index entries sit.
// Reads between entries fall back to a forward scan, which also performs
// the chain-link verification a single indexed lookup couldn't.
const indexStride = 64

// File is the append-only, hash-chained, CRC32-framed log described in
// spec.md §4.2/§6.1. One File corresponds to one replica's local copy of
// the log; it never talks to other replicas. Position in the file is not
// exposed to callers, only op_number.
type File struct {
	mu sync.Mutex

	f   *os.File
	idx *Index

	provider   crypto.Provider
	durability Durability

	nextOpNumber uint64
	tailOffset   int64
	tailHash     [32]byte

	// lastReadOffset is the byte offset of the most recently located
	// record, set by readVerifiedFrom so callers like ReadRange and
	// TruncateAfter don't need to re-seek the index to find it again.
	lastReadOffset int64

	pendingFsync bool
}

// OpenFile opens or creates the log file at path, backed by the sparse
// index idx, and scans forward from idx's last entry to recover
// nextOpNumber/tailOffset/tailHash. provider supplies hash_compliance.
func OpenFile(path string, idx *Index, provider crypto.Provider, durability Durability) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, newErr(ErrCodeStorageIO, "open log file", err)
	}

	lf := &File{f: f, idx: idx, provider: provider, durability: durability}
	if err := lf.recoverTail(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return lf, nil
}

func (lf *File) Close() error {
	if lf == nil || lf.f == nil {
		return nil
	}
	return lf.f.Close()
}

// recoverTail scans from the last indexed entry (or the start of the
// file, if the index is empty) to the end, rebuilding the running chain
// hash and next op_number. Every record it crosses is CRC- and
// chain-verified, so a torn final write during crash is caught here.
func (lf *File) recoverTail() error {
	info, err := lf.f.Stat()
	if err != nil {
		return newErr(ErrCodeStorageIO, "stat log file", err)
	}
	if info.Size() == 0 {
		lf.nextOpNumber = 0
		lf.tailOffset = 0
		lf.tailHash = [32]byte{}
		return nil
	}

	_, startOffset, ok, err := lf.idx.FloorEntry(^uint64(0))
	if err != nil {
		return newErr(ErrCodeStorageIO, "read index floor", err)
	}
	if !ok {
		startOffset = 0
	}

	offset := startOffset
	var prevHash [32]byte
	var nextOp uint64
	first := true
	for offset < info.Size() {
		rec, frameLen, err := lf.readFrameAt(offset)
		if err != nil {
			return err
		}
		if !first && rec.PrevHash != prevHash {
			return newCorruptionErr(offset, "chain link broken during recovery")
		}
		prevHash = rec.ChainHash
		nextOp = rec.OpNumber + 1
		offset += frameLen
		first = false
	}

	lf.nextOpNumber = nextOp
	lf.tailOffset = offset
	lf.tailHash = prevHash
	return nil
}

// readFrameAt decodes one record starting at offset, returning the
// record and the number of bytes its frame occupied.
func (lf *File) readFrameAt(offset int64) (Record, int64, error) {
	header := make([]byte, headerSize)
	if _, err := lf.f.ReadAt(header, offset); err != nil {
		return Record{}, 0, newErr(ErrCodeStorageIO, "read header", err)
	}
	payloadLen := headerPayloadLen(header)
	frameLen := int64(headerSize) + int64(payloadLen) + payloadCRCSize
	frame := make([]byte, frameLen)
	if _, err := lf.f.ReadAt(frame, offset); err != nil {
		return Record{}, 0, newErr(ErrCodeStorageIO, "read frame", err)
	}
	rec, err := decodeRecord(frame, lf.provider.HashCompliance)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code == ErrCodeCorruption {
			e.Offset = offset
		}
		return Record{}, 0, err
	}
	return rec, frameLen, nil
}

func headerPayloadLen(header []byte) uint32 {
	// offset of payload_len within the header: 8 (op_number) + 32
	// (prev_hash) + 8 (timestamp) + 8 (tenant_id) + 8 (stream_id) = 64.
	const off = 8 + 32 + 8 + 8 + 8
	return uint32(header[off]) | uint32(header[off+1])<<8 | uint32(header[off+2])<<16 | uint32(header[off+3])<<24
}

// Append writes a new record to the tail of the log and returns once
// durable according to the configured durability mode. Fails only with
// StorageIo or Full.
func (lf *File) Append(kind RecordKind, tenantID, streamID uint64, timestamp int64, payload []byte) (opNumber uint64, offset int64, chainHash [32]byte, err error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.nextOpNumber == ^uint64(0) {
		return 0, 0, [32]byte{}, newErr(ErrCodeFull, "op_number space exhausted", nil)
	}

	rec := Record{
		OpNumber:  lf.nextOpNumber,
		PrevHash:  lf.tailHash,
		Timestamp: timestamp,
		TenantID:  tenantID,
		StreamID:  streamID,
		Kind:      kind,
		Payload:   payload,
	}
	frame, hash, err := encodeRecord(rec, lf.provider.HashCompliance)
	if err != nil {
		return 0, 0, [32]byte{}, err
	}

	writeOffset := lf.tailOffset
	if _, err := lf.f.WriteAt(frame, writeOffset); err != nil {
		return 0, 0, [32]byte{}, newErr(ErrCodeStorageIO, "write record", err)
	}

	if lf.durability == DurabilityEveryRecord {
		if err := lf.f.Sync(); err != nil {
			return 0, 0, [32]byte{}, newErr(ErrCodeStorageIO, "fsync record", err)
		}
	} else {
		lf.pendingFsync = true
	}

	if rec.OpNumber%indexStride == 0 {
		if err := lf.idx.PutStride(rec.OpNumber, writeOffset); err != nil {
			return 0, 0, [32]byte{}, newErr(ErrCodeStorageIO, "update sparse index", err)
		}
	}

	lf.nextOpNumber = rec.OpNumber + 1
	lf.tailOffset = writeOffset + int64(len(frame))
	lf.tailHash = hash

	return rec.OpNumber, writeOffset, hash, nil
}

// Flush fsyncs the log file if a durability-deferred write is pending.
// The shell calls this per the EveryBatch/GroupCommit policy; it is a
// no-op under EveryRecord, which already synced inline.
func (lf *File) Flush() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if !lf.pendingFsync {
		return nil
	}
	if err := lf.f.Sync(); err != nil {
		return newErr(ErrCodeStorageIO, "fsync flush", err)
	}
	lf.pendingFsync = false
	return nil
}

// Read fetches a single record by op_number, verifying CRCs and the
// chain link back to the nearest sparse index entry.
func (lf *File) Read(opNumber uint64) (Record, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.readVerifiedFrom(opNumber)
}

// ReadRange fetches [lo, hi] inclusive, verifying CRCs and chain links
// throughout the range.
func (lf *File) ReadRange(lo, hi uint64) ([]Record, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if hi < lo {
		return nil, newErr(ErrCodeNotFound, "empty range", nil)
	}
	var out []Record
	rec, err := lf.readVerifiedFrom(lo)
	if err != nil {
		return nil, err
	}
	out = append(out, rec)
	frame, _, err := encodeRecord(rec, lf.provider.HashCompliance)
	if err != nil {
		return nil, err
	}
	offset := lf.lastReadOffset + int64(len(frame))
	prevHash := rec.ChainHash
	for op := lo + 1; op <= hi; op++ {
		r, frameLen, err := lf.readFrameAt(offset)
		if err != nil {
			return nil, err
		}
		if r.OpNumber != op {
			return nil, newCorruptionErr(offset, "op_number gap in log")
		}
		if r.PrevHash != prevHash {
			return nil, newCorruptionErr(offset, "chain link broken")
		}
		out = append(out, r)
		offset += frameLen
		prevHash = r.ChainHash
	}
	return out, nil
}

// readVerifiedFrom finds the nearest index entry at or before target,
// then scans forward verifying CRCs and chain links until it reaches
// target, returning that record.
func (lf *File) readVerifiedFrom(target uint64) (Record, error) {
	_, startOffset, ok, err := lf.idx.FloorEntry(target)
	if err != nil {
		return Record{}, newErr(ErrCodeStorageIO, "read index floor", err)
	}
	if !ok {
		startOffset = 0
	}

	offset := startOffset
	var prevHash [32]byte
	first := true
	for {
		rec, frameLen, err := lf.readFrameAt(offset)
		if err != nil {
			return Record{}, err
		}
		if !first && rec.PrevHash != prevHash {
			return Record{}, newCorruptionErr(offset, "chain link broken")
		}
		if rec.OpNumber == target {
			lf.lastReadOffset = offset
			return rec, nil
		}
		if rec.OpNumber > target {
			return Record{}, newErr(ErrCodeNotFound, "op_number not present", nil)
		}
		prevHash = rec.ChainHash
		offset += frameLen
		first = false

		info, err := lf.f.Stat()
		if err != nil {
			return Record{}, newErr(ErrCodeStorageIO, "stat log file", err)
		}
		if offset >= info.Size() {
			return Record{}, newErr(ErrCodeNotFound, "op_number not present", nil)
		}
	}
}

// ReadVerified verifies the chain from offset forward to endOpNumber
// (inclusive), returning the verified sequence. It is the read_verified
// operation of spec.md §4.2, used by repair and recovery to confirm a
// range handed over by a peer is internally consistent before trusting
// it.
func (lf *File) ReadVerified(startOpNumber, endOpNumber uint64) ([]Record, error) {
	return lf.ReadRange(startOpNumber, endOpNumber)
}

// TruncateAfter discards every record with op_number > opNumber. Allowed
// only during view change / recovery, under the caller's explicit safety
// predicate that the committed prefix is preserved; File itself does not
// re-check commit_number, since it has no notion of commit state.
func (lf *File) TruncateAfter(opNumber uint64) error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if opNumber+1 >= lf.nextOpNumber {
		return nil
	}

	rec, err := lf.readVerifiedFrom(opNumber)
	if err != nil {
		return newErr(ErrCodeUnsafeTrunc, "cannot locate truncation point", err)
	}
	newTailOffset := lf.lastReadOffset
	frame, hash, err := encodeRecord(rec, lf.provider.HashCompliance)
	if err != nil {
		return err
	}
	newTailOffset += int64(len(frame))

	if err := lf.f.Truncate(newTailOffset); err != nil {
		return newErr(ErrCodeStorageIO, "truncate log file", err)
	}
	if err := lf.f.Sync(); err != nil {
		return newErr(ErrCodeStorageIO, "fsync after truncate", err)
	}
	if err := lf.idx.TruncateAfter(opNumber); err != nil {
		return newErr(ErrCodeStorageIO, "truncate sparse index", err)
	}

	lf.nextOpNumber = opNumber + 1
	lf.tailOffset = newTailOffset
	lf.tailHash = hash
	return nil
}

// NextOpNumber reports the op_number the next Append will use.
func (lf *File) NextOpNumber() uint64 {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.nextOpNumber
}

// TailHash reports the chain hash of the most recently appended record
// (the zero hash if the log is empty).
func (lf *File) TailHash() [32]byte {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.tailHash
}
