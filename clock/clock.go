package clock

import (
	"fmt"
	"sync"
	"time"
)

// ErrNotPrimary is returned by AssignTimestamp when called on a replica
// that does not hold the primary role; only the primary assigns
// timestamps.
var ErrNotPrimary = fmt.Errorf("clock: AssignTimestamp called on non-primary replica")

// ErrNoValidEpoch is returned by AssignTimestamp when no epoch has been
// installed yet, or the installed epoch has aged past EpochValidity.
var ErrNoValidEpoch = fmt.Errorf("clock: no valid epoch installed")

// Clock is a replica's view of cluster time. It holds the most recently
// installed Epoch and the last timestamp this replica assigned, and
// serializes access to both behind a mutex since samples, synchronization
// rounds, and timestamp assignment are all driven from different points
// in the event loop.
type Clock struct {
	mu sync.Mutex

	clusterSize int
	quorum      int
	selfID      uint64

	epoch        Epoch
	lastAssigned int64 // unix nanoseconds; 0 means "none assigned yet"

	nowFn func() time.Time
}

// New builds a Clock for a cluster of clusterSize replicas (quorum is
// clusterSize/2+1) identified locally as selfID. nowFn defaults to
// time.Now and is overridable for tests.
func New(selfID uint64, clusterSize int, nowFn func() time.Time) *Clock {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Clock{
		clusterSize: clusterSize,
		quorum:      clusterSize/2 + 1,
		selfID:      selfID,
		nowFn:       nowFn,
	}
}

// TrySynchronize runs one synchronization round: it reduces raw samples
// to measurements, keeps the best (minimum RTT) sample per remote
// replica, runs Marzullo's algorithm, and installs the resulting epoch
// at nowMonotonic. A single-node cluster always succeeds without
// consuming samples, per spec.md §4.4.
func (c *Clock) TrySynchronize(samples []PingPongSample, windowStart, nowMonotonic time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clusterSize <= 1 {
		c.epoch = Epoch{Lower: 0, Upper: 0, InstalledAt: nowMonotonic}
		return nil
	}

	measurements := make([]Measurement, 0, len(samples))
	for _, s := range samples {
		m, err := Reduce(s, c.selfID, windowStart)
		if err != nil {
			continue
		}
		measurements = append(measurements, m)
	}
	measurements = BestOf(measurements)

	lower, upper, err := Marzullo(measurements, c.quorum)
	if err != nil {
		return err
	}

	c.epoch = Epoch{Lower: lower, Upper: upper, InstalledAt: nowMonotonic}
	return nil
}

// Epoch returns the currently installed epoch and whether it is still
// valid at nowMonotonic.
func (c *Clock) Epoch(nowMonotonic time.Time) (Epoch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.epoch.IsValid(nowMonotonic)
}

// WallClock returns this replica's local time via the source given to
// New, so callers driving the event loop use the same injected clock
// TrySynchronize and AssignTimestamp are exercised with in tests.
func (c *Clock) WallClock() time.Time {
	return c.nowFn()
}

// AssignTimestamp assigns a commit timestamp for the primary role. It
// clamps wallClock + epoch offset into [epoch.Lower, epoch.Upper] applied
// to wallClock, then enforces strict monotonicity against the last
// timestamp this replica assigned: the assigned value is advanced to
// lastAssigned+1ns if the clamped candidate would not exceed it. This
// check always runs; it is not a debug-only assertion, since the VSR
// layer above depends on assigned timestamps being strictly increasing
// to admit commands to the log.
func (c *Clock) AssignTimestamp(isPrimary bool, wallClock time.Time, nowMonotonic time.Time) (time.Time, error) {
	if !isPrimary {
		return time.Time{}, ErrNotPrimary
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clusterSize > 1 && !c.epoch.IsValid(nowMonotonic) {
		return time.Time{}, ErrNoValidEpoch
	}

	candidate := wallClock.Add(c.epoch.Midpoint())

	candNanos := candidate.UnixNano()
	if candNanos <= c.lastAssigned {
		candNanos = c.lastAssigned + 1
		candidate = time.Unix(0, candNanos)
	}
	c.lastAssigned = candNanos
	return candidate, nil
}
