package diag

import (
	"slices"
	"sync"
	"time"

	"loopsched/internal/clock"
	"loopsched/internal/sequencer"
)

const defaultHistorySize = 256

// Recorder keeps rolling cycle statistics in memory.
//
// It is fed on the polling goroutine and read by maintenance jobs, so it
// guards its state with a mutex.
type Recorder struct {
	sequencer.NopReporter

	mu        sync.Mutex
	started   time.Time
	cycles    uint64
	overruns  uint64
	maxOver   clock.Millis
	lastCycle sequencer.CycleReport
	lastAt    time.Time

	// ring of recent elapsed times
	elapsed []clock.Millis
	next    int
	full    bool

	tasks map[int]*taskAgg
}

type taskAgg struct {
	name  string
	count uint64
	sum   uint64
	max   clock.Millis
}

func NewRecorder(historySize int) *Recorder {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Recorder{
		started: time.Now(),
		elapsed: make([]clock.Millis, historySize),
		tasks:   map[int]*taskAgg{},
	}
}

func (r *Recorder) TaskCompleted(t sequencer.TaskReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.tasks[t.Index]
	if a == nil {
		a = &taskAgg{name: t.Name}
		r.tasks[t.Index] = a
	}
	a.count++
	a.sum += uint64(t.Latency)
	if t.Latency > a.max {
		a.max = t.Latency
	}
}

func (r *Recorder) CycleCompleted(c sequencer.CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	r.lastCycle = c
	r.lastAt = time.Now()
	r.elapsed[r.next] = c.Elapsed
	r.next = (r.next + 1) % len(r.elapsed)
	if r.next == 0 {
		r.full = true
	}
}

func (r *Recorder) Overrun(o sequencer.OverrunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overruns++
	if o.Overshoot > r.maxOver {
		r.maxOver = o.Overshoot
	}
}

// TaskStats aggregates latency for one table position.
type TaskStats struct {
	Index       int
	Name        string
	Count       uint64
	MeanLatency clock.Millis
	MaxLatency  clock.Millis
}

// Stats is a point-in-time copy of the recorder.
type Stats struct {
	Since        time.Time
	Cycles       uint64
	Overruns     uint64
	MaxOvershoot clock.Millis
	Last         sequencer.CycleReport
	LastAt       time.Time // wall time Last was recorded; zero before the first cycle

	// Computed over the recent window only.
	Window int
	Min    clock.Millis
	Mean   clock.Millis
	Median clock.Millis
	P95    clock.Millis
	Max    clock.Millis
	Tasks  []TaskStats
}

func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	st := Stats{
		Since:        r.started,
		Cycles:       r.cycles,
		Overruns:     r.overruns,
		MaxOvershoot: r.maxOver,
		Last:         r.lastCycle,
		LastAt:       r.lastAt,
	}
	n := r.next
	if r.full {
		n = len(r.elapsed)
	}
	window := slices.Clone(r.elapsed[:n])
	for idx, a := range r.tasks {
		ts := TaskStats{Index: idx, Name: a.name, Count: a.count, MaxLatency: a.max}
		if a.count > 0 {
			ts.MeanLatency = clock.Millis(a.sum / a.count)
		}
		st.Tasks = append(st.Tasks, ts)
	}
	r.mu.Unlock()

	slices.SortFunc(st.Tasks, func(a, b TaskStats) int { return a.Index - b.Index })

	st.Window = len(window)
	if len(window) == 0 {
		return st
	}
	slices.Sort(window)
	var total uint64
	for _, e := range window {
		total += uint64(e)
	}
	st.Min = window[0]
	st.Max = window[len(window)-1]
	st.Mean = clock.Millis(total / uint64(len(window)))
	st.Median = window[len(window)/2]
	st.P95 = window[int(float64(len(window)-1)*0.95)]
	return st
}

var _ sequencer.Reporter = (*Recorder)(nil)
