package ledger

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"kimberlite.dev/core/crypto"
)

// superblockSlotSize is the fixed 4 KiB slot size from spec.md §6.1.
const superblockSlotSize = 4096

// superblockSlotCount is the number of physical copies; atomic update is
// a majority-of-copies rule.
const superblockSlotCount = 4

// Superblock is the process-wide metadata held as four identical
// physical copies on disk, per spec.md §3.3/§6.1.
type Superblock struct {
	Generation           uint64
	View                 uint64
	CommitOp             uint64
	LastCheckpointOffset uint64
	ClusterConfigHash    [32]byte
	FeatureFlags         uint64
	PrevSlotHash         [32]byte
}

// encodeSuperblockSlot serializes s into one 4 KiB slot:
// generation u64 | view u64 | commit_op u64 | last_checkpoint_offset u64
// | cluster_config_hash [32] | feature_flags u64 | prev_slot_hash [32] |
// crc32 u32 | reserved.
func encodeSuperblockSlot(s Superblock) []byte {
	buf := make([]byte, superblockSlotSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], s.Generation)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], s.View)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], s.CommitOp)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], s.LastCheckpointOffset)
	off += 8
	copy(buf[off:off+32], s.ClusterConfigHash[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], s.FeatureFlags)
	off += 8
	copy(buf[off:off+32], s.PrevSlotHash[:])
	off += 32
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	return buf
}

func decodeSuperblockSlot(buf []byte) (Superblock, bool) {
	if len(buf) != superblockSlotSize {
		return Superblock{}, false
	}
	var s Superblock
	off := 0
	s.Generation = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.View = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.CommitOp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.LastCheckpointOffset = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(s.ClusterConfigHash[:], buf[off:off+32])
	off += 32
	s.FeatureFlags = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	copy(s.PrevSlotHash[:], buf[off:off+32])
	off += 32
	wantCRC := binary.LittleEndian.Uint32(buf[off:])
	gotCRC := crc32.ChecksumIEEE(buf[:off])
	return s, gotCRC == wantCRC
}

// contentHash is the hash the majority-agreement check compares, per
// spec.md §4.2: "if >= 3 agree on (generation, content_hash), accept."
func contentHash(provider crypto.Provider, s Superblock) [32]byte {
	slot := encodeSuperblockSlot(s)
	return provider.HashCompliance(slot[:superblockSlotSize-4]) // exclude trailing crc32
}

// SuperblockStore manages the four physical copies of the superblock in
// a single file, one 4 KiB slot each. Updates write to the
// least-recently-updated slot first, matching the teacher's
// write-temp/fsync/rename/fsync-dir atomic-commit discipline adapted to
// an in-place four-slot rotation instead of a rename.
type SuperblockStore struct {
	f        *os.File
	provider crypto.Provider
	lru      int // index of the next slot to overwrite
}

// OpenSuperblockStore opens or creates the four-slot superblock file at
// path.
func OpenSuperblockStore(path string, provider crypto.Provider) (*SuperblockStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, newErr(ErrCodeStorageIO, "open superblock file", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, newErr(ErrCodeStorageIO, "stat superblock file", err)
	}
	if info.Size() < superblockSlotCount*superblockSlotSize {
		if err := f.Truncate(superblockSlotCount * superblockSlotSize); err != nil {
			_ = f.Close()
			return nil, newErr(ErrCodeStorageIO, "preallocate superblock file", err)
		}
	}
	return &SuperblockStore{f: f, provider: provider}, nil
}

func (s *SuperblockStore) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}

func (s *SuperblockStore) readSlot(i int) (Superblock, bool, error) {
	buf := make([]byte, superblockSlotSize)
	if _, err := s.f.ReadAt(buf, int64(i)*superblockSlotSize); err != nil {
		return Superblock{}, false, newErr(ErrCodeStorageIO, fmt.Sprintf("read superblock slot %d", i), err)
	}
	sb, ok := decodeSuperblockSlot(buf)
	return sb, ok, nil
}

// Load reads all four slots and returns the superblock agreed on by a
// majority on (generation, content_hash). If fewer than three slots
// agree, it returns ErrCodeSuperblock: the caller must enter recovery.
func (s *SuperblockStore) Load() (Superblock, error) {
	type candidate struct {
		sb   Superblock
		hash [32]byte
	}
	var valid []candidate
	for i := 0; i < superblockSlotCount; i++ {
		sb, ok, err := s.readSlot(i)
		if err != nil {
			return Superblock{}, err
		}
		if !ok {
			continue
		}
		valid = append(valid, candidate{sb: sb, hash: contentHash(s.provider, sb)})
	}

	counts := map[[40]byte]int{}
	key := func(c candidate) [40]byte {
		var k [40]byte
		binary.LittleEndian.PutUint64(k[:8], c.sb.Generation)
		copy(k[8:], c.hash[:])
		return k
	}
	for _, c := range valid {
		counts[key(c)]++
	}

	var best candidate
	bestCount := 0
	for _, c := range valid {
		if n := counts[key(c)]; n > bestCount {
			bestCount = n
			best = c
		}
	}

	if bestCount < 3 {
		return Superblock{}, newErr(ErrCodeSuperblock, fmt.Sprintf("only %d of %d superblock copies agree", bestCount, superblockSlotCount), nil)
	}
	return best.sb, nil
}

// Store writes next into the least-recently-updated slot, fsyncs, reads
// it back to verify CRC and hash link, then repeats for the remaining
// three slots. PrevSlotHash is set to the content hash of the
// previously-occupied slot, forming the superblock's own hash chain.
func (s *SuperblockStore) Store(next Superblock) error {
	prev, err := s.Load()
	if err == nil {
		next.PrevSlotHash = contentHash(s.provider, prev)
	}

	for n := 0; n < superblockSlotCount; n++ {
		slotIdx := s.lru
		s.lru = (s.lru + 1) % superblockSlotCount

		buf := encodeSuperblockSlot(next)
		if _, err := s.f.WriteAt(buf, int64(slotIdx)*superblockSlotSize); err != nil {
			return newErr(ErrCodeStorageIO, fmt.Sprintf("write superblock slot %d", slotIdx), err)
		}
		if err := s.f.Sync(); err != nil {
			return newErr(ErrCodeStorageIO, fmt.Sprintf("fsync superblock slot %d", slotIdx), err)
		}
		readBack, ok, err := s.readSlot(slotIdx)
		if err != nil {
			return err
		}
		if !ok || readBack != next {
			return newCorruptionErr(int64(slotIdx)*superblockSlotSize, "superblock slot failed readback verification")
		}
	}
	return nil
}
