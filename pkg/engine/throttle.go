package engine

import "time"

// throttle limits how often a repeated diagnostic is logged.
type throttle struct {
	interval   time.Duration
	last       time.Time
	suppressed int
}

// allow reports whether a message may be emitted now and how many were
// swallowed since the last one.
func (t *throttle) allow(now time.Time) (bool, int) {
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		t.suppressed++
		return false, 0
	}
	n := t.suppressed
	t.last = now
	t.suppressed = 0
	return true, n
}
