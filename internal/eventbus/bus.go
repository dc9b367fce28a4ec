// Package eventbus fans sequencer diagnostics out to slower consumers such as
// the history writer and the alert notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeCycleStarted   = "cycle.started"
	TypeTaskCompleted  = "task.completed"
	TypeCycleCompleted = "cycle.completed"
	TypeCycleOverrun   = "cycle.overrun"
)

const defaultBuffer = 8

// Event carries one diagnostic record. Data holds the sequencer report that
// matches Type.
type Event struct {
	Type  string
	Time  time.Time
	RunID string
	Data  any
}

// Bus delivers every published event to every subscriber without blocking
// the publisher. A subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped on full buffers.
	Dropped() uint64
}

func New() Bus { return &fanout{} }

type subscriber struct {
	ch     chan Event
	closed bool
}

// Sends happen under the read lock and remove closes under the write lock,
// so a channel is never closed mid-send.
type fanout struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
	f.mu.RUnlock()
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	f.mu.Lock()
	next := make([]*subscriber, len(f.subs), len(f.subs)+1)
	copy(next, f.subs)
	f.subs = append(next, s)
	f.mu.Unlock()

	return s.ch, func() { f.remove(s) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	next := make([]*subscriber, 0, len(f.subs))
	for _, o := range f.subs {
		if o != s {
			next = append(next, o)
		}
	}
	f.subs = next
	close(s.ch)
}

func (f *fanout) Dropped() uint64 { return f.dropped.Load() }
