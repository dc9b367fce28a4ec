package storage

import (
	"context"
	"time"

	"loopsched/internal/eventbus"
	"loopsched/internal/sequencer"
	logx "loopsched/pkg/logx"
)

// Writer turns bus events into CycleRecords and appends them to a Store.
//
// Task completions are buffered until their cycle completes. If events were
// dropped on the bus the record is written with whatever latencies arrived.
type Writer struct {
	store   Store
	log     logx.Logger
	timeout time.Duration

	cycle   uint64
	pending []TaskLatency

	written  uint64
	failures uint64
}

func NewWriter(store Store, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Writer{store: store, log: log, timeout: 2 * time.Second}
}

// Run consumes events until ctx is done or the channel is closed. On
// cancellation it still stores what is already buffered.
func (w *Writer) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx), events)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			w.Handle(ctx, e)
		}
	}
}

func (w *Writer) drain(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			w.Handle(ctx, e)
		default:
			return
		}
	}
}

// Handle processes one event. Exposed for tests.
func (w *Writer) Handle(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case sequencer.TaskReport:
		if d.Cycle != w.cycle {
			w.cycle = d.Cycle
			w.pending = w.pending[:0]
		}
		w.pending = append(w.pending, TaskLatency{
			Index:     d.Index,
			Name:      d.Name,
			LatencyMS: uint32(d.Latency),
			LagMS:     uint32(d.Lag),
		})
	case sequencer.CycleReport:
		rec := CycleRecord{
			RunID:          e.RunID,
			Cycle:          d.Cycle,
			At:             e.Time,
			ElapsedMS:      uint32(d.Elapsed),
			BudgetMS:       uint32(d.Budget),
			CompensationMS: uint32(d.Compensation),
			Overrun:        d.Overrun,
		}
		if d.Overrun {
			rec.OvershootMS = uint32(d.Elapsed - d.Budget)
		}
		if d.Cycle == w.cycle && len(w.pending) > 0 {
			rec.Tasks = append([]TaskLatency(nil), w.pending...)
		}
		w.pending = w.pending[:0]
		w.append(ctx, rec)
	}
}

func (w *Writer) append(ctx context.Context, rec CycleRecord) {
	if w.store == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.store.AppendCycle(actx, rec); err != nil {
		w.failures++
		if w.failures%100 == 1 {
			w.log.Warn("cycle record not stored", logx.Err(err), logx.Uint64("cycle", rec.Cycle), logx.Uint64("failures", w.failures))
		}
		return
	}
	w.written++
}

// Written reports how many records were stored. Not safe for concurrent use
// with Run.
func (w *Writer) Written() uint64 { return w.written }
