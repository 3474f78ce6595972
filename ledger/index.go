package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOpOffset   = []byte("op_offset")
	bucketAuxPointer = []byte("aux_pointer")
)

// Index is the sparse op_number -> file_offset index described in
// spec.md §6.1, plus the superblock's auxiliary pointer table
// (cluster-config hash -> serialized config). Both are plain bbolt
// buckets, the same "bucket keyed by a fixed-width key" shape the
// teacher uses for its block index.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (creating if absent) the bbolt-backed sparse index at
// path.
func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, newErr(ErrCodeStorageIO, "open index", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOpOffset, bucketAuxPointer} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, newErr(ErrCodeStorageIO, "init index buckets", err)
	}
	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

func opKey(opNumber uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], opNumber) // big-endian so bbolt's byte-order cursor walk is numeric order
	return k[:]
}

// PutStride records an index entry for opNumber -> offset. Callers decide
// the stride; the index itself stores whatever it is given.
func (i *Index) PutStride(opNumber uint64, offset int64) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], uint64(offset))
		return tx.Bucket(bucketOpOffset).Put(opKey(opNumber), v[:])
	})
}

// FloorEntry returns the indexed (opNumber, offset) pair with the
// largest opNumber <= target, and ok=false if the index is empty or
// target is before the first entry.
func (i *Index) FloorEntry(target uint64) (opNumber uint64, offset int64, ok bool, err error) {
	err = i.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOpOffset).Cursor()
		k, v := c.Seek(opKey(target))
		if k == nil || binary.BigEndian.Uint64(k) > target {
			k, v = c.Prev()
		}
		if k == nil {
			return nil
		}
		opNumber = binary.BigEndian.Uint64(k)
		offset = int64(binary.LittleEndian.Uint64(v))
		ok = true
		return nil
	})
	return opNumber, offset, ok, err
}

// TruncateAfter drops every indexed entry for an op_number greater than
// keepUpTo. Used by truncate_after to keep the index consistent with a
// rewound log file.
func (i *Index) TruncateAfter(keepUpTo uint64) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpOffset)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(opKey(keepUpTo + 1)); k != nil; k, _ = c.Next() {
			cp := append([]byte(nil), k...)
			toDelete = append(toDelete, cp)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutAuxPointer stores a superblock auxiliary pointer (e.g. a
// cluster-config hash -> serialized config mapping) keyed by an
// arbitrary byte key.
func (i *Index) PutAuxPointer(key, value []byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuxPointer).Put(key, value)
	})
}

// GetAuxPointer fetches a value stored by PutAuxPointer.
func (i *Index) GetAuxPointer(key []byte) ([]byte, bool, error) {
	var out []byte
	err := i.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAuxPointer).Get(key)
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}
