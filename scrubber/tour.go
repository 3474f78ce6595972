// Package scrubber implements the background integrity tour of
// spec.md §3.9/§4.7: a continuous, IOPS-bounded walk over every log
// block that defends the replicated log against latent corruption
// no read path would otherwise notice.
package scrubber

import (
	"math/rand/v2"

	"kimberlite.dev/core/ledger"
)

// RepairRequest is emitted when a scrubbed block fails verification.
// The shell turns this into a vsr.RepairPayload fanned out over the
// repair budget; the scrubber itself knows nothing of peers.
type RepairRequest struct {
	OpRange [2]uint64 // [from, to] inclusive, a single block here
	Reason  error
}

// Tour is one replica's scrub cursor over its local log, spec.md
// §3.9's Tour type. TotalBlocks changes only through GrowTotalBlocks;
// a wrap does not re-read the log's length, so blocks appended since
// the tour started are not visited until GrowTotalBlocks is called.
type Tour struct {
	totalBlocks uint64
	origin      uint64
	cursor      uint64

	flagged map[uint64]bool // block -> repair_triggered, cleared on wrap

	rng *rand.Rand

	iopsSpentThisSecond int
	iopsBudget          int
}

// NewTour builds a tour over a log currently holding totalBlocks
// blocks (op_numbers [0, totalBlocks)), seeded deterministically for
// origin selection (spec.md §5's determinism contract) and bounded to
// iopsBudget reads per second.
func NewTour(totalBlocks uint64, seed uint64, iopsBudget int) *Tour {
	t := &Tour{
		totalBlocks: totalBlocks,
		flagged:     make(map[uint64]bool),
		rng:         rand.New(rand.NewPCG(seed, seed)),
		iopsBudget:  iopsBudget,
	}
	t.origin = t.pickOrigin()
	return t
}

func (t *Tour) pickOrigin() uint64 {
	if t.totalBlocks == 0 {
		return 0
	}
	return t.rng.Uint64N(t.totalBlocks)
}

// ResetSecond clears the per-second IOPS counter; the shell calls this
// once per wall-clock second of the event loop.
func (t *Tour) ResetSecond() {
	t.iopsSpentThisSecond = 0
}

// Cursor reports the tour's current position, for instrumentation.
func (t *Tour) Cursor() uint64 { return t.cursor }

// Flagged reports whether block currently has repair_triggered set.
func (t *Tour) Flagged(block uint64) bool { return t.flagged[block] }

// Advance verifies blocks starting from the current cursor position
// until the per-second IOPS budget is exhausted; a wrap part-way
// through starts the next pass within the same call. Per spec.md §4.7: "at each Scrub tick and while
// iops_spent_this_second < budget, read the next block ... verify
// header CRC -> chain link -> payload CRC." Verification is delegated
// to log.Read, which already performs exactly that chain: CRC framing
// and the chain-link check back to the nearest index entry.
func (t *Tour) Advance(log *ledger.Log) []RepairRequest {
	if t.totalBlocks == 0 {
		return nil
	}

	var repairs []RepairRequest
	for t.iopsSpentThisSecond < t.iopsBudget {
		block := (t.origin + t.cursor) % t.totalBlocks
		t.iopsSpentThisSecond++

		if _, err := log.Read(block); err != nil {
			if !t.flagged[block] {
				t.flagged[block] = true
				repairs = append(repairs, RepairRequest{OpRange: [2]uint64{block, block}, Reason: err})
			}
		}

		t.cursor++
		if t.cursor >= t.totalBlocks {
			t.wrap()
		}
	}
	return repairs
}

// wrap completes a full pass: the cursor resets, repair_triggered
// flags clear (a block not re-flagged until repair completes or the
// tour wraps, per spec.md §4.7's invariant), and a fresh PRNG-derived
// origin is chosen to avoid synchronized scrub spikes across replicas
// sharing a similar startup time.
func (t *Tour) wrap() {
	t.cursor = 0
	t.flagged = make(map[uint64]bool)
	t.origin = t.pickOrigin()
}

// ClearFlag clears a block's repair_triggered flag once its repair
// has completed, allowing it to be re-flagged on a future failure
// within the same pass rather than waiting for a full wrap.
func (t *Tour) ClearFlag(block uint64) {
	delete(t.flagged, block)
}

// GrowTotalBlocks widens the tour's block count when the log has
// grown since the tour started, without disturbing the current
// cursor or flagged set.
func (t *Tour) GrowTotalBlocks(totalBlocks uint64) {
	if totalBlocks > t.totalBlocks {
		t.totalBlocks = totalBlocks
	}
}
