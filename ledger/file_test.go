package ledger

import (
	"path/filepath"
	"testing"

	"kimberlite.dev/core/crypto"
)

func openTestFile(t *testing.T, dir string) *File {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(dir, "log.idx"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	f, err := OpenFile(filepath.Join(dir, "log.data"), idx, crypto.NewDefaultProvider(), DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestAppendAndReadSingle(t *testing.T) {
	f := openTestFile(t, t.TempDir())

	op, offset, hash, err := f.Append(RecordKindData, 1, 1, 100, []byte("first"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if op != 0 || offset != 0 {
		t.Fatalf("unexpected op/offset for first append: %d/%d", op, offset)
	}

	rec, err := f.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rec.Payload) != "first" {
		t.Fatalf("payload mismatch: %q", rec.Payload)
	}
	if rec.ChainHash != hash {
		t.Fatalf("chain hash mismatch")
	}
}

func TestAppendChainsAcrossRecords(t *testing.T) {
	f := openTestFile(t, t.TempDir())

	_, _, hash0, err := f.Append(RecordKindData, 1, 1, 100, []byte("a"))
	if err != nil {
		t.Fatalf("Append 0: %v", err)
	}
	_, _, _, err = f.Append(RecordKindData, 1, 1, 200, []byte("b"))
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}

	rec1, err := f.Read(1)
	if err != nil {
		t.Fatalf("Read(1): %v", err)
	}
	if rec1.PrevHash != hash0 {
		t.Fatalf("record 1's prev_hash does not match record 0's chain hash")
	}
}

func TestReadRangeAcrossManyRecords(t *testing.T) {
	f := openTestFile(t, t.TempDir())

	const n = 200 // spans multiple sparse index strides
	for i := 0; i < n; i++ {
		if _, _, _, err := f.Append(RecordKindData, 1, 1, int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	recs, err := f.ReadRange(0, uint64(n-1))
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(recs) != n {
		t.Fatalf("got %d records, want %d", len(recs), n)
	}
	for i, r := range recs {
		if r.OpNumber != uint64(i) {
			t.Fatalf("record %d has op_number %d", i, r.OpNumber)
		}
	}
}

func TestReadMissingOpNumber(t *testing.T) {
	f := openTestFile(t, t.TempDir())
	if _, _, _, err := f.Append(RecordKindData, 1, 1, 0, []byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := f.Read(5); err == nil {
		t.Fatalf("expected error reading a non-existent op_number")
	}
}

func TestTruncateAfterDropsTail(t *testing.T) {
	f := openTestFile(t, t.TempDir())
	for i := 0; i < 10; i++ {
		if _, _, _, err := f.Append(RecordKindData, 1, 1, int64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if err := f.TruncateAfter(4); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if f.NextOpNumber() != 5 {
		t.Fatalf("NextOpNumber after truncate = %d, want 5", f.NextOpNumber())
	}
	if _, err := f.Read(5); err == nil {
		t.Fatalf("expected truncated op_number to be unreadable")
	}
	if _, err := f.Read(4); err != nil {
		t.Fatalf("expected op_number 4 to survive truncation: %v", err)
	}

	op, _, _, err := f.Append(RecordKindData, 1, 1, 99, []byte("new tail"))
	if err != nil {
		t.Fatalf("Append after truncate: %v", err)
	}
	if op != 5 {
		t.Fatalf("next appended op_number = %d, want 5", op)
	}
}

func TestRecoverTailAfterReopen(t *testing.T) {
	dir := t.TempDir()
	provider := crypto.NewDefaultProvider()

	idx, err := OpenIndex(filepath.Join(dir, "log.idx"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	f, err := OpenFile(filepath.Join(dir, "log.data"), idx, provider, DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	var lastHash [32]byte
	for i := 0; i < 5; i++ {
		_, _, h, err := f.Append(RecordKindData, 1, 1, int64(i), []byte{byte(i)})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lastHash = h
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("idx.Close: %v", err)
	}

	idx2, err := OpenIndex(filepath.Join(dir, "log.idx"))
	if err != nil {
		t.Fatalf("reopen OpenIndex: %v", err)
	}
	defer idx2.Close()
	f2, err := OpenFile(filepath.Join(dir, "log.data"), idx2, provider, DurabilityEveryRecord)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	defer f2.Close()

	if f2.NextOpNumber() != 5 {
		t.Fatalf("recovered NextOpNumber = %d, want 5", f2.NextOpNumber())
	}
	if f2.TailHash() != lastHash {
		t.Fatalf("recovered tail hash mismatch")
	}

	op, _, _, err := f2.Append(RecordKindData, 1, 1, 50, []byte("continued"))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if op != 5 {
		t.Fatalf("op after reopen = %d, want 5", op)
	}
}
