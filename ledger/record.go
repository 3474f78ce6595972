package ledger

import (
	"encoding/binary"
	"hash/crc32"
)

// RecordKind distinguishes the purpose of a log record. The kernel only
// ever emits Data and the transitional kinds below through declared
// effects; the ledger itself never synthesizes one.
type RecordKind uint8

const (
	RecordKindData RecordKind = iota
	RecordKindCheckpoint
	RecordKindTombstone
	RecordKindReconfigMarker
	RecordKindViewBoundary
	RecordKindGenerationTransition
)

// headerSize is the fixed portion of a record frame before the payload,
// per the on-disk layout: op_number u64 | prev_hash [32] | timestamp i64 |
// tenant_id u64 | stream_id u64 | payload_len u32 | record_kind u8 |
// reserved [3] | header_crc32 u32.
const headerSize = 8 + 32 + 8 + 8 + 8 + 4 + 1 + 3 + 4

// payloadCRCSize is the trailing payload_crc32 u32 that follows the
// payload bytes.
const payloadCRCSize = 4

// Record is one entry of the hash-chained append-only log.
type Record struct {
	OpNumber   uint64
	PrevHash   [32]byte
	Timestamp  int64 // nanoseconds, primary-assigned
	TenantID   uint64
	StreamID   uint64
	Kind       RecordKind
	Payload    []byte

	// ChainHash is SHA-256(prev_hash ‖ header ‖ payload); computed by
	// encodeRecord, not supplied by the caller.
	ChainHash [32]byte
}

// encodeRecord serializes r into its on-disk frame and returns the chain
// hash that covers header and payload, per spec.md §3.2.
func encodeRecord(r Record, hashCompliance func([]byte) [32]byte) ([]byte, [32]byte, error) {
	if len(r.Payload) > 0xFFFFFFFF {
		return nil, [32]byte{}, newErr(ErrCodeBadFrame, "payload too large", nil)
	}

	header := make([]byte, headerSize)
	off := 0
	binary.LittleEndian.PutUint64(header[off:], r.OpNumber)
	off += 8
	copy(header[off:off+32], r.PrevHash[:])
	off += 32
	binary.LittleEndian.PutUint64(header[off:], uint64(r.Timestamp))
	off += 8
	binary.LittleEndian.PutUint64(header[off:], r.TenantID)
	off += 8
	binary.LittleEndian.PutUint64(header[off:], r.StreamID)
	off += 8
	binary.LittleEndian.PutUint32(header[off:], uint32(len(r.Payload)))
	off += 4
	header[off] = byte(r.Kind)
	off += 1
	off += 3 // reserved
	headerCRC := crc32.ChecksumIEEE(header[:off])
	binary.LittleEndian.PutUint32(header[off:], headerCRC)

	chainInput := make([]byte, 0, 32+len(header)+len(r.Payload))
	chainInput = append(chainInput, r.PrevHash[:]...)
	chainInput = append(chainInput, header...)
	chainInput = append(chainInput, r.Payload...)
	chainHash := hashCompliance(chainInput)

	payloadCRC := crc32.ChecksumIEEE(r.Payload)

	out := make([]byte, 0, len(header)+len(r.Payload)+payloadCRCSize)
	out = append(out, header...)
	out = append(out, r.Payload...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], payloadCRC)
	out = append(out, crcBuf[:]...)

	return out, chainHash, nil
}

// decodeRecord parses a frame previously produced by encodeRecord,
// verifying both CRCs. It does not verify the chain link against a prior
// record's hash; callers chain that check across reads (see file.go).
func decodeRecord(frame []byte, hashCompliance func([]byte) [32]byte) (Record, error) {
	if len(frame) < headerSize+payloadCRCSize {
		return Record{}, newErr(ErrCodeBadFrame, "frame shorter than minimum size", nil)
	}

	header := frame[:headerSize]
	off := 0
	opNumber := binary.LittleEndian.Uint64(header[off:])
	off += 8
	var prevHash [32]byte
	copy(prevHash[:], header[off:off+32])
	off += 32
	timestamp := int64(binary.LittleEndian.Uint64(header[off:]))
	off += 8
	tenantID := binary.LittleEndian.Uint64(header[off:])
	off += 8
	streamID := binary.LittleEndian.Uint64(header[off:])
	off += 8
	payloadLen := binary.LittleEndian.Uint32(header[off:])
	off += 4
	kind := RecordKind(header[off])
	off += 1
	off += 3
	wantHeaderCRC := binary.LittleEndian.Uint32(header[off:])

	gotHeaderCRC := crc32.ChecksumIEEE(header[:headerSize-4])
	if gotHeaderCRC != wantHeaderCRC {
		return Record{}, newErr(ErrCodeCorruption, "header crc mismatch", nil)
	}

	if len(frame) != headerSize+int(payloadLen)+payloadCRCSize {
		return Record{}, newErr(ErrCodeBadFrame, "frame length does not match payload_len", nil)
	}
	payload := frame[headerSize : headerSize+int(payloadLen)]
	wantPayloadCRC := binary.LittleEndian.Uint32(frame[headerSize+int(payloadLen):])
	gotPayloadCRC := crc32.ChecksumIEEE(payload)
	if gotPayloadCRC != wantPayloadCRC {
		return Record{}, newErr(ErrCodeCorruption, "payload crc mismatch", nil)
	}

	chainInput := make([]byte, 0, 32+headerSize+len(payload))
	chainInput = append(chainInput, prevHash[:]...)
	chainInput = append(chainInput, header...)
	chainInput = append(chainInput, payload...)
	chainHash := hashCompliance(chainInput)

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Record{
		OpNumber:  opNumber,
		PrevHash:  prevHash,
		Timestamp: timestamp,
		TenantID:  tenantID,
		StreamID:  streamID,
		Kind:      kind,
		Payload:   payloadCopy,
		ChainHash: chainHash,
	}, nil
}
