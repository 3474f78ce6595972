package vsr

import "kimberlite.dev/core/kernel"

// majority returns floor(n/2)+1, the quorum size for a set of n replicas.
func majority(n int) int {
	return n/2 + 1
}

// QuorumSet captures the replica set(s) a quorum must be checked
// against. In Stable phase it is a single active set; in Joint phase a
// quorum must be a majority in both the old and new sets
// simultaneously (spec.md §4.6.5's "any two quorums intersect").
type QuorumSet struct {
	Phase  kernel.ReconfigPhase
	Active map[uint64]bool
	Old    map[uint64]bool
	New    map[uint64]bool
}

// FromConfig builds the QuorumSet a replica currently must satisfy.
func FromConfig(cfg kernel.ClusterConfig) QuorumSet {
	if cfg.Phase == kernel.ReconfigJoint {
		return QuorumSet{Phase: kernel.ReconfigJoint, Old: cfg.OldActive, New: cfg.NewActive}
	}
	return QuorumSet{Phase: kernel.ReconfigStable, Active: cfg.ActiveReplicas}
}

// Satisfied reports whether the replica ids in responders form a
// quorum under q: a plain majority of Active when Stable, or a
// majority of both Old and New simultaneously when Joint.
func (q QuorumSet) Satisfied(responders map[uint64]bool) bool {
	if q.Phase == kernel.ReconfigJoint {
		return countIn(responders, q.Old) >= majority(len(q.Old)) &&
			countIn(responders, q.New) >= majority(len(q.New))
	}
	return countIn(responders, q.Active) >= majority(len(q.Active))
}

func countIn(responders, set map[uint64]bool) int {
	n := 0
	for id := range responders {
		if set[id] {
			n++
		}
	}
	return n
}

// Size is the quorum threshold for a Stable-phase single-set quorum.
// It panics if called while Joint, since joint quorum has no single
// scalar threshold — callers must use Satisfied.
func (q QuorumSet) Size() int {
	if q.Phase == kernel.ReconfigJoint {
		panic("vsr: QuorumSet.Size called during Joint phase")
	}
	return majority(len(q.Active))
}

// DeterministicLeader returns the replica id that is leader at view,
// per spec.md §4.6.3: "deterministic leader = view mod |active|",
// selecting from the sorted active-replica ids so the choice is
// reproducible across replicas without relying on map iteration order.
func DeterministicLeader(active map[uint64]bool, view uint64) uint64 {
	ids := sortedIDs(active)
	if len(ids) == 0 {
		return 0
	}
	return ids[int(view)%len(ids)]
}

func sortedIDs(set map[uint64]bool) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
