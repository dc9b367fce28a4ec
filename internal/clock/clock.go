// Package clock provides the millisecond time base used by the sequencer.
//
// Timestamps are 32-bit and wrap at 2^32 ms (about 49.7 days), the same range a
// microcontroller millis() counter has. Elapsed time must always be computed
// with Elapsed, which subtracts in uint32 arithmetic so rollover yields the
// correct duration.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Timestamp is a millisecond clock reading. It wraps at 2^32.
type Timestamp uint32

// Millis is a millisecond duration in the clock's native width.
type Millis uint32

// Clock supplies a non-decreasing millisecond timestamp (except for the wrap).
type Clock interface {
	Now() Timestamp
}

// Elapsed returns now - start computed modulo 2^32.
func Elapsed(now, start Timestamp) Millis {
	return Millis(now - start)
}

// Add returns t advanced by d, wrapping at 2^32.
func (t Timestamp) Add(d Millis) Timestamp {
	return t + Timestamp(d)
}

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}

func (m Millis) String() string {
	return m.Duration().String()
}

var ErrOutOfRange = errors.New("duration out of millisecond range")

// FromDuration converts d to Millis, truncating sub-millisecond precision.
// Negative durations and durations that do not fit 32 bits are rejected.
func FromDuration(d time.Duration) (Millis, error) {
	if d < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrOutOfRange, d)
	}
	ms := d.Milliseconds()
	if ms > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s exceeds %d ms", ErrOutOfRange, d, uint32(math.MaxUint32))
	}
	return Millis(ms), nil
}

// System is a Clock backed by Go's monotonic clock.
//
// Readings count milliseconds since NewSystem, plus an optional offset, and
// wrap at 2^32 like a hardware millis() counter.
type System struct {
	origin time.Time
	offset Timestamp
}

// NewSystem returns a clock that reads offset at creation time.
// A non-zero offset is useful to start close to the wrap point.
func NewSystem(offset Timestamp) *System {
	return &System{origin: time.Now(), offset: offset}
}

func (s *System) Now() Timestamp {
	ms := uint64(time.Since(s.origin).Milliseconds())
	return s.offset + Timestamp(uint32(ms))
}

// Manual is a Clock moved explicitly by tests.
type Manual struct {
	mu  sync.Mutex
	now Timestamp

	// OnNow, if set, runs after every Now() read with the returned value.
	// Tests use it to observe how often the clock is consulted.
	OnNow func(Timestamp)
}

func NewManual(start Timestamp) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() Timestamp {
	m.mu.Lock()
	now := m.now
	hook := m.OnNow
	m.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return now
}

// Set moves the clock to t. Moving backwards is allowed so tests can model
// the wrap explicitly.
func (m *Manual) Set(t Timestamp) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d, wrapping at 2^32.
func (m *Manual) Advance(d Millis) Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
