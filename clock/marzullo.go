package clock

import (
	"fmt"
	"sort"
	"time"
)

// ErrNoQuorumAgreement is returned when fewer than quorum sources agree
// on any single interval.
var ErrNoQuorumAgreement = fmt.Errorf("clock: no quorum agreement")

// ErrToleranceExceeded is returned when the tightest quorum-agreed
// interval is wider than MaxEpochWidth.
var ErrToleranceExceeded = fmt.Errorf("clock: tolerance exceeded")

type marzulloPoint struct {
	t    time.Duration
	kind int8 // +1 (interval opens) or -1 (interval closes)
}

// Marzullo runs Marzullo's algorithm over measurements and returns the
// tightest interval at which the number of agreeing sources was
// maximized, per spec.md §4.4. It requires that maximum to be at least
// quorum and the resulting interval width to be at most MaxEpochWidth;
// otherwise it returns ErrNoQuorumAgreement or ErrToleranceExceeded.
func Marzullo(measurements []Measurement, quorum int) (lower, upper time.Duration, err error) {
	if len(measurements) == 0 {
		return 0, 0, ErrNoQuorumAgreement
	}

	points := make([]marzulloPoint, 0, len(measurements)*2)
	for _, m := range measurements {
		points = append(points,
			marzulloPoint{t: m.Offset - m.Error, kind: 1},
			marzulloPoint{t: m.Offset + m.Error, kind: -1},
		)
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].t != points[j].t {
			return points[i].t < points[j].t
		}
		// +1 ordered before -1 at ties.
		return points[i].kind > points[j].kind
	})

	best := 0
	active := 0
	for _, p := range points {
		if p.kind == 1 {
			active++
			if active > best {
				best = active
			}
		} else {
			active--
		}
	}

	if best < quorum {
		return 0, 0, ErrNoQuorumAgreement
	}

	type run struct{ lo, hi time.Duration }
	var runs []run
	active = 0
	inRun := false
	var curLo time.Duration
	for _, p := range points {
		if p.kind == 1 {
			active++
			if active == best && !inRun {
				curLo = p.t
				inRun = true
			}
		} else {
			if inRun {
				runs = append(runs, run{lo: curLo, hi: p.t})
				inRun = false
			}
			active--
		}
	}

	tightest := runs[0]
	for _, r := range runs[1:] {
		if r.hi-r.lo < tightest.hi-tightest.lo {
			tightest = r
		}
	}

	if tightest.hi-tightest.lo > MaxEpochWidth {
		return 0, 0, ErrToleranceExceeded
	}
	return tightest.lo, tightest.hi, nil
}
