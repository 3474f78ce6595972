package clock

import (
	"fmt"
	"time"
)

// ErrMalformedSample is returned when a sample's reply timestamp
// precedes its probe timestamp (m2 < m0), spec.md §4.4.
var ErrMalformedSample = fmt.Errorf("clock: malformed sample (m2 < m0)")

// ErrSelfSample is returned for a sample whose source is this replica
// itself.
var ErrSelfSample = fmt.Errorf("clock: self-sample rejected")

// ErrStaleSample is returned for a sample measured before the current
// synchronization window began.
var ErrStaleSample = fmt.Errorf("clock: sample older than current window")

// PingPongSample is one heartbeat round-trip measurement against a
// remote replica: m0 is this replica's local send time, t1Remote is the
// remote's reported receive time, m2 is this replica's local receive
// time of the pong.
type PingPongSample struct {
	ReplicaID uint64
	M0        time.Time
	T1Remote  time.Time
	M2        time.Time
}

// Measurement is a sample reduced to offset + uncertainty, the form
// Marzullo's algorithm consumes. Error is the measurement's half-width:
// the true offset is assumed to lie within Offset ± Error.
type Measurement struct {
	ReplicaID uint64
	Offset    time.Duration
	Error     time.Duration
	RTT       time.Duration
	Measured  time.Time
}

// Reduce validates and reduces a raw ping/pong sample into a
// Measurement. selfID is this replica's own id, used to reject
// self-samples; windowStart rejects samples measured before the
// current synchronization window began.
func Reduce(s PingPongSample, selfID uint64, windowStart time.Time) (Measurement, error) {
	if s.ReplicaID == selfID {
		return Measurement{}, ErrSelfSample
	}
	if s.M2.Before(s.M0) {
		return Measurement{}, ErrMalformedSample
	}
	if s.M2.Before(windowStart) {
		return Measurement{}, ErrStaleSample
	}

	rtt := s.M2.Sub(s.M0)
	oneWayDelay := rtt / 2
	offset := s.T1Remote.Add(oneWayDelay).Sub(s.M2)

	return Measurement{
		ReplicaID: s.ReplicaID,
		Offset:    offset,
		Error:     oneWayDelay,
		RTT:       rtt,
		Measured:  s.M2,
	}, nil
}

// BestOf keeps, per remote replica, the sample with minimum round-trip
// time in the current window, per spec.md §4.4's "keep the sample with
// minimum round-trip time" rule.
func BestOf(measurements []Measurement) []Measurement {
	best := map[uint64]Measurement{}
	for _, m := range measurements {
		cur, ok := best[m.ReplicaID]
		if !ok || m.RTT < cur.RTT {
			best[m.ReplicaID] = m
		}
	}
	out := make([]Measurement, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out
}
