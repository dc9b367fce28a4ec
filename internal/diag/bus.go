package diag

import (
	"time"

	"loopsched/internal/eventbus"
	"loopsched/internal/sequencer"
)

// BusReporter republishes sequencer reports as bus events so slower
// consumers (storage, alerts) never run on the polling goroutine.
type BusReporter struct {
	bus   eventbus.Bus
	runID string
	now   func() time.Time
}

func NewBusReporter(bus eventbus.Bus, runID string) *BusReporter {
	return &BusReporter{bus: bus, runID: runID, now: time.Now}
}

func (r *BusReporter) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), RunID: r.runID, Data: data})
}

func (r *BusReporter) CycleStarted(c sequencer.CycleStart) {
	r.publish(eventbus.TypeCycleStarted, c)
}

func (r *BusReporter) TaskCompleted(t sequencer.TaskReport) {
	r.publish(eventbus.TypeTaskCompleted, t)
}

func (r *BusReporter) CycleCompleted(c sequencer.CycleReport) {
	r.publish(eventbus.TypeCycleCompleted, c)
}

func (r *BusReporter) Overrun(o sequencer.OverrunReport) {
	r.publish(eventbus.TypeCycleOverrun, o)
}

var _ sequencer.Reporter = (*BusReporter)(nil)
