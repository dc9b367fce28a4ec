// Package waittimer implements the one-shot, non-blocking delay the sequencer
// uses between tasks.
package waittimer

import "loopsched/internal/clock"

// Timer reports expiry on poll instead of suspending the caller.
//
// Invariant: armed implies duration > 0. The zero value is not usable; build
// one with New so it has a clock.
type Timer struct {
	clk      clock.Clock
	armed    bool
	start    clock.Timestamp
	duration clock.Millis
}

func New(clk clock.Clock) *Timer {
	return &Timer{clk: clk}
}

// Arm starts a window of d milliseconds from now. A zero d leaves the timer
// disarmed, which IsExpired treats as already expired. Arming an armed timer
// restarts the window.
func (t *Timer) Arm(d clock.Millis) {
	t.ArmAt(t.clk.Now(), d)
}

// ArmAt is Arm with an explicit start timestamp.
func (t *Timer) ArmAt(start clock.Timestamp, d clock.Millis) {
	t.start = start
	t.duration = d
	t.armed = d > 0
}

// IsExpired reports whether the timer is disarmed or its window has elapsed.
func (t *Timer) IsExpired() bool {
	if !t.armed {
		return true
	}
	return clock.Elapsed(t.clk.Now(), t.start) >= t.duration
}

func (t *Timer) Disarm() {
	t.armed = false
}

func (t *Timer) Armed() bool { return t.armed }

// Remaining returns how long until expiry, or 0 if already expired.
func (t *Timer) Remaining() clock.Millis {
	if !t.armed {
		return 0
	}
	el := clock.Elapsed(t.clk.Now(), t.start)
	if el >= t.duration {
		return 0
	}
	return t.duration - el
}

// Deadline returns the timestamp at which the armed window ends.
// ok is false when the timer is disarmed.
func (t *Timer) Deadline() (at clock.Timestamp, ok bool) {
	if !t.armed {
		return 0, false
	}
	return t.start.Add(t.duration), true
}
