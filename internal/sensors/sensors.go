// Package sensors provides task bodies for the sequencer.
//
// The scheduler treats a body as opaque: it only measures how long it took.
// Simulated bodies stand in for real sensor reads and processing steps.
package sensors

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Sim is a body that blocks for Work plus or minus up to Jitter.
type Sim struct {
	Work   time.Duration
	Jitter time.Duration

	sleep func(time.Duration)
	rnd   func(n int64) int64
}

// Simulated returns a body blocking for work ± jitter.
func Simulated(work, jitter time.Duration) func() {
	return NewSim(work, jitter).Run
}

func NewSim(work, jitter time.Duration) *Sim {
	return &Sim{Work: work, Jitter: jitter, sleep: time.Sleep, rnd: rand.Int64N}
}

// Next returns how long the next Run will block.
func (s *Sim) Next() time.Duration {
	d := s.Work
	if s.Jitter > 0 {
		d += time.Duration(s.rnd(int64(2*s.Jitter)+1)) - s.Jitter
	}
	return max(d, 0)
}

func (s *Sim) Run() {
	if d := s.Next(); d > 0 {
		s.sleep(d)
	}
}

// Counter wraps a body and counts its invocations.
type Counter struct {
	body  func()
	calls atomic.Uint64
}

// Counting wraps body. A nil body counts calls and does nothing else.
func Counting(body func()) *Counter {
	return &Counter{body: body}
}

func (c *Counter) Run() {
	c.calls.Add(1)
	if c.body != nil {
		c.body()
	}
}

func (c *Counter) Calls() uint64 { return c.calls.Load() }
