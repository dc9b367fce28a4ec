package sequencer

import (
	"strconv"

	"loopsched/internal/clock"
)

// Task is one entry of the sequence.
//
// Work is the opaque body (e.g. a sensor read). It may block for a bounded
// time; the sequencer only measures it afterwards. Delay is the wait armed
// after Work returns. MinWork is an estimate of the shortest plausible body
// time and only feeds Validate.
type Task struct {
	Name    string
	Work    func()
	Delay   clock.Millis
	MinWork clock.Millis
}

// Table is an immutable, ordered copy of the configured tasks.
type Table struct {
	tasks []Task
}

// NewTable copies tasks so later changes to the caller's slice are not seen.
// Unnamed tasks get "task-<position>".
func NewTable(tasks []Task) Table {
	cp := make([]Task, len(tasks))
	copy(cp, tasks)
	for i := range cp {
		if cp[i].Name == "" {
			cp[i].Name = "task-" + strconv.Itoa(i+1)
		}
	}
	return Table{tasks: cp}
}

// Len returns the number of ordinary tasks (the gap-filler is not counted).
func (t Table) Len() int { return len(t.tasks) }

func (t Table) Task(i int) Task { return t.tasks[i] }

// SumDelays returns the sum of all post-delays in ms.
func (t Table) SumDelays() uint64 {
	var n uint64
	for _, task := range t.tasks {
		n += uint64(task.Delay)
	}
	return n
}

// SumMinWork returns the sum of all MinWork estimates in ms.
func (t Table) SumMinWork() uint64 {
	var n uint64
	for _, task := range t.tasks {
		n += uint64(task.MinWork)
	}
	return n
}

// GapFillerName is how the synthetic last state shows up in reports.
const GapFillerName = "gap-filler"

// name returns the display name of state i, including the gap-filler.
func (t Table) name(i int) string {
	if i == len(t.tasks) {
		return GapFillerName
	}
	return t.tasks[i].Name
}
