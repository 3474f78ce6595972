package vsr

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

// RepairExpiry is the duration after which an outstanding repair
// request is considered lost, spec.md §4.6.7.
const RepairExpiry = 500 * time.Millisecond

// RepairMaxInflight is the per-peer concurrent-repair-request cap.
const RepairMaxInflight = 2

// ExploitProbability is the chance a repair selection picks the
// minimum-EWMA-latency peer outright; the remainder explores uniformly
// among the rest, spec.md §4.6.7.
const ExploitProbability = 0.9

// ErrNoEligiblePeer is returned when every peer is at its inflight cap
// or has no eligible candidate at all.
var ErrNoEligiblePeer = fmt.Errorf("vsr: no eligible repair peer")

type peerRepairState struct {
	ewma     time.Duration
	inflight int
	sentAt   map[uint64]time.Time // requestID -> sent time, for expiry tracking
}

// RepairBudget tracks outstanding repair requests per peer and selects
// the next target, implementing spec.md §4.6.7's "this replaces
// broadcast repair, preventing repair storms" policy.
type RepairBudget struct {
	peers map[uint64]*peerRepairState
	rng   *rand.Rand
	seq   uint64
}

// NewRepairBudget builds a budget tracker over candidatePeers. seed
// drives the exploit/explore coin flip and the explore-peer pick,
// deterministic given the same seed and call sequence (spec.md §5's
// determinism contract).
func NewRepairBudget(candidatePeers []uint64, seed uint64) *RepairBudget {
	rb := &RepairBudget{
		peers: make(map[uint64]*peerRepairState, len(candidatePeers)),
		rng:   rand.New(rand.NewPCG(seed, seed)),
	}
	for _, id := range candidatePeers {
		rb.peers[id] = &peerRepairState{sentAt: make(map[uint64]time.Time)}
	}
	return rb
}

// Select picks the next repair target among peers with inflight < 2
// and no expired outstanding request. With probability 0.9 it returns
// the minimum-EWMA-latency eligible peer; otherwise it explores
// uniformly among the remaining eligible peers.
func (rb *RepairBudget) Select(now time.Time) (uint64, error) {
	eligible := make([]uint64, 0, len(rb.peers))
	for id, st := range rb.peers {
		rb.expireStale(st, now)
		if st.inflight < RepairMaxInflight {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return 0, ErrNoEligiblePeer
	}
	slices.Sort(eligible)

	best := eligible[0]
	for _, id := range eligible[1:] {
		if rb.peers[id].ewma < rb.peers[best].ewma {
			best = id
		}
	}
	if rb.rng.Float64() < ExploitProbability || len(eligible) == 1 {
		return best, nil
	}

	rest := make([]uint64, 0, len(eligible)-1)
	for _, id := range eligible {
		if id != best {
			rest = append(rest, id)
		}
	}
	return rest[rb.rng.IntN(len(rest))], nil
}

// Send records that a repair request was just sent to peerID, starting
// its expiry clock. It returns the request id the caller must pass to
// Complete or check against Expire.
func (rb *RepairBudget) Send(peerID uint64, now time.Time) (requestID uint64, err error) {
	st, ok := rb.peers[peerID]
	if !ok {
		return 0, fmt.Errorf("vsr: unknown repair peer %d", peerID)
	}
	if st.inflight >= RepairMaxInflight {
		return 0, fmt.Errorf("vsr: peer %d at repair inflight cap", peerID)
	}
	rb.seq++
	st.inflight++
	st.sentAt[rb.seq] = now
	return rb.seq, nil
}

// Complete records a RepairReply for requestID from peerID, updating
// the peer's EWMA latency and freeing its inflight slot.
func (rb *RepairBudget) Complete(peerID, requestID uint64, now time.Time) {
	st, ok := rb.peers[peerID]
	if !ok {
		return
	}
	sentAt, ok := st.sentAt[requestID]
	if !ok {
		return
	}
	delete(st.sentAt, requestID)
	st.inflight--
	rtt := now.Sub(sentAt)
	if st.ewma == 0 {
		st.ewma = rtt
	} else {
		st.ewma = time.Duration(0.8*float64(st.ewma) + 0.2*float64(rtt))
	}
}

// expireStale penalizes and frees any outstanding request on st older
// than RepairExpiry, per spec.md §4.6.7's "on expiry, penalize EWMA:
// ewma' = 2*ewma and free the slot."
func (rb *RepairBudget) expireStale(st *peerRepairState, now time.Time) {
	for reqID, sentAt := range st.sentAt {
		if now.Sub(sentAt) > RepairExpiry {
			delete(st.sentAt, reqID)
			st.inflight--
			if st.ewma == 0 {
				st.ewma = RepairExpiry
			} else {
				st.ewma *= 2
			}
		}
	}
}

// EWMA returns the current EWMA latency estimate for a peer.
func (rb *RepairBudget) EWMA(peerID uint64) time.Duration {
	st, ok := rb.peers[peerID]
	if !ok {
		return 0
	}
	return st.ewma
}

// Inflight returns the current outstanding-request count for a peer.
func (rb *RepairBudget) Inflight(peerID uint64) int {
	st, ok := rb.peers[peerID]
	if !ok {
		return 0
	}
	return st.inflight
}
