package vsr

import "time"

const (
	// MisbehaviorFlagThreshold is the score at which a peer replica is
	// flagged for operator attention. Unlike the teacher's BanScore,
	// VSR never disconnects a configured peer on this score alone — the
	// active/standby set is a consensus decision (§4.6.5), not a
	// per-replica policy one — so this is pure observability.
	MisbehaviorFlagThreshold = 100

	// MisbehaviorDecayPerMinute is the score units decayed per minute
	// of elapsed wall-clock time, mirroring the teacher's ban-score
	// decay rate.
	MisbehaviorDecayPerMinute = 1
)

// Byzantine-indicated protocol violations and their score deltas,
// spec.md §4.6.10.
const (
	MisbehaviorChecksumMismatch  = 10
	MisbehaviorLengthMismatch    = 20
	MisbehaviorChainBreak        = 30
	MisbehaviorOversizedTail     = 20
	MisbehaviorInflatedDoViewChg = 25
)

// MisbehaviorScore is a decaying, per-peer-replica counter of observed
// protocol violations. It never drives a connection decision by
// itself; callers read it through Score and Flagged. No metric or log
// line in this module reports it.
type MisbehaviorScore struct {
	score       int
	lastUpdated time.Time
}

// Score returns the current score after decaying for elapsed time.
func (m *MisbehaviorScore) Score(now time.Time) int {
	m.decayTo(now)
	return m.score
}

// Add records a violation's score delta and returns the score after
// decay + the addition.
func (m *MisbehaviorScore) Add(now time.Time, delta int) int {
	m.decayTo(now)
	m.score += delta
	if m.score < 0 {
		m.score = 0
	}
	return m.score
}

// Flagged reports whether the score has reached MisbehaviorFlagThreshold.
func (m *MisbehaviorScore) Flagged(now time.Time) bool {
	return m.Score(now) >= MisbehaviorFlagThreshold
}

func (m *MisbehaviorScore) decayTo(now time.Time) {
	if m.lastUpdated.IsZero() {
		m.lastUpdated = now
		return
	}
	if now.Before(m.lastUpdated) {
		// Clock moved backwards; don't manufacture decay from it.
		m.lastUpdated = now
		return
	}
	elapsedMinutes := now.Sub(m.lastUpdated).Minutes()
	decay := int(elapsedMinutes * MisbehaviorDecayPerMinute)
	if decay > 0 {
		m.score -= decay
		if m.score < 0 {
			m.score = 0
		}
		m.lastUpdated = now
	}
}
