package tlog

import "time"

// nowFn is indirected so tests can freeze or advance time deterministically when exercising
// watermark/expiration logic (peek-tracker expiration).
var nowFn = time.Now

// Now returns the current time. Use this instead of time.Now() everywhere latency- or
// expiration-sensitive decisions are made, so tests can substitute a deterministic clock.
func Now() time.Time {
	return nowFn()
}

// SetClock overrides the clock used by Now. Passing nil restores the real wall clock.
func SetClock(fn func() time.Time) {
	if fn == nil {
		nowFn = time.Now
		return
	}
	nowFn = fn
}
