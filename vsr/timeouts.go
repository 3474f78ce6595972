package vsr

import "time"

// TimeoutKind is one of the twelve timer kinds a replica tracks,
// spec.md §4.6.6.
type TimeoutKind string

const (
	TimeoutHeartbeat             TimeoutKind = "Heartbeat"
	TimeoutPrepare               TimeoutKind = "Prepare"
	TimeoutViewChange            TimeoutKind = "ViewChange"
	TimeoutRecovery              TimeoutKind = "Recovery"
	TimeoutClockSync             TimeoutKind = "ClockSync"
	TimeoutPing                  TimeoutKind = "Ping"
	TimeoutPrimaryAbdicate       TimeoutKind = "PrimaryAbdicate"
	TimeoutRepairSync            TimeoutKind = "RepairSync"
	TimeoutCommitStall           TimeoutKind = "CommitStall"
	TimeoutCommitMessage         TimeoutKind = "CommitMessage"
	TimeoutStartViewChangeWindow TimeoutKind = "StartViewChangeWindow"
	TimeoutScrub                 TimeoutKind = "Scrub"
)

// Durations bundles the twelve timeout intervals a replica is
// configured with. Values are spec.md §6.4's operator knobs where one
// exists; the rest are reasonable fixed intervals not exposed as
// separate knobs.
type Durations struct {
	Heartbeat             time.Duration
	Prepare               time.Duration
	ViewChange            time.Duration
	Recovery              time.Duration
	ClockSync             time.Duration
	Ping                  time.Duration
	PrimaryAbdicate       time.Duration
	RepairSync            time.Duration
	CommitStall           time.Duration
	CommitMessage         time.Duration
	StartViewChangeWindow time.Duration
	Scrub                 time.Duration
}

// DefaultDurations returns spec-reasonable defaults, overridable per
// replica from configuration.
func DefaultDurations() Durations {
	return Durations{
		Heartbeat:             500 * time.Millisecond,
		Prepare:               200 * time.Millisecond,
		ViewChange:            1 * time.Second,
		Recovery:              1 * time.Second,
		ClockSync:             1 * time.Second,
		Ping:                  250 * time.Millisecond,
		PrimaryAbdicate:       1500 * time.Millisecond,
		RepairSync:            500 * time.Millisecond,
		CommitStall:           2 * time.Second,
		CommitMessage:         500 * time.Millisecond,
		StartViewChangeWindow: 200 * time.Millisecond,
		Scrub:                 100 * time.Millisecond,
	}
}

func (d Durations) forKind(kind TimeoutKind) time.Duration {
	switch kind {
	case TimeoutHeartbeat:
		return d.Heartbeat
	case TimeoutPrepare:
		return d.Prepare
	case TimeoutViewChange:
		return d.ViewChange
	case TimeoutRecovery:
		return d.Recovery
	case TimeoutClockSync:
		return d.ClockSync
	case TimeoutPing:
		return d.Ping
	case TimeoutPrimaryAbdicate:
		return d.PrimaryAbdicate
	case TimeoutRepairSync:
		return d.RepairSync
	case TimeoutCommitStall:
		return d.CommitStall
	case TimeoutCommitMessage:
		return d.CommitMessage
	case TimeoutStartViewChangeWindow:
		return d.StartViewChangeWindow
	case TimeoutScrub:
		return d.Scrub
	default:
		return 0
	}
}

// Timers tracks the next deadline for each timeout kind that is
// currently armed. A kind absent from deadlines is disarmed.
type Timers struct {
	durations Durations
	deadlines map[TimeoutKind]time.Time
}

// NewTimers builds an empty timer set; nothing is armed until Reset is
// called.
func NewTimers(d Durations) *Timers {
	return &Timers{durations: d, deadlines: make(map[TimeoutKind]time.Time)}
}

// Reset (re)arms kind to fire durations.forKind(kind) after now.
func (t *Timers) Reset(kind TimeoutKind, now time.Time) {
	t.deadlines[kind] = now.Add(t.durations.forKind(kind))
}

// Disarm removes kind from the active set.
func (t *Timers) Disarm(kind TimeoutKind) {
	delete(t.deadlines, kind)
}

// Fired returns every armed kind whose deadline is at or before now,
// in a deterministic order (the fixed declaration order above) so two
// replicas processing the identical simulated clock see the identical
// firing sequence.
func (t *Timers) Fired(now time.Time) []TimeoutKind {
	order := []TimeoutKind{
		TimeoutHeartbeat, TimeoutPrepare, TimeoutViewChange, TimeoutRecovery,
		TimeoutClockSync, TimeoutPing, TimeoutPrimaryAbdicate, TimeoutRepairSync,
		TimeoutCommitStall, TimeoutCommitMessage, TimeoutStartViewChangeWindow, TimeoutScrub,
	}
	var fired []TimeoutKind
	for _, kind := range order {
		deadline, ok := t.deadlines[kind]
		if ok && !now.Before(deadline) {
			fired = append(fired, kind)
		}
	}
	return fired
}

// Armed reports whether kind currently has a live deadline.
func (t *Timers) Armed(kind TimeoutKind) bool {
	_, ok := t.deadlines[kind]
	return ok
}
