package sequencer

import "loopsched/internal/clock"

// CycleStart is reported when state 0 begins.
type CycleStart struct {
	Cycle uint64
	At    clock.Timestamp
	// Interval is the start-to-start time since the previous cycle
	// (0 for the first cycle).
	Interval clock.Millis
}

// TaskReport is reported after an ordinary task body returns.
type TaskReport struct {
	Cycle   uint64
	Index   int
	Name    string
	At      clock.Timestamp
	Latency clock.Millis
	// Lag is how late the task started relative to its wait expiring.
	// It grows when the polling loop is slow or starved.
	Lag   clock.Millis
	Delay clock.Millis
}

// CycleReport is reported when the gap-filler runs.
type CycleReport struct {
	Cycle        uint64
	At           clock.Timestamp
	Elapsed      clock.Millis
	Budget       clock.Millis
	Compensation clock.Millis
	Overrun      bool
}

// OverrunReport is reported once per cycle whose elapsed time exceeded the
// budget.
type OverrunReport struct {
	Cycle     uint64
	At        clock.Timestamp
	Elapsed   clock.Millis
	Budget    clock.Millis
	Overshoot clock.Millis
}

// Reporter is the diagnostic sink. The sequencer only writes to it and never
// depends on anything it does. Calls happen on the polling goroutine, so
// implementations must return quickly.
type Reporter interface {
	CycleStarted(CycleStart)
	TaskCompleted(TaskReport)
	CycleCompleted(CycleReport)
	Overrun(OverrunReport)
}

// NopReporter discards everything. Embed it to implement only some methods.
type NopReporter struct{}

func (NopReporter) CycleStarted(CycleStart)    {}
func (NopReporter) TaskCompleted(TaskReport)   {}
func (NopReporter) CycleCompleted(CycleReport) {}
func (NopReporter) Overrun(OverrunReport)      {}

// Multi fans reports out to every non-nil reporter in order.
func Multi(rs ...Reporter) Reporter {
	out := make(multi, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multi []Reporter

func (m multi) CycleStarted(r CycleStart) {
	for _, x := range m {
		x.CycleStarted(r)
	}
}

func (m multi) TaskCompleted(r TaskReport) {
	for _, x := range m {
		x.TaskCompleted(r)
	}
}

func (m multi) CycleCompleted(r CycleReport) {
	for _, x := range m {
		x.CycleCompleted(r)
	}
}

func (m multi) Overrun(r OverrunReport) {
	for _, x := range m {
		x.Overrun(r)
	}
}
