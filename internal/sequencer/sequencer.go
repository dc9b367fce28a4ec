package sequencer

import (
	"loopsched/internal/clock"
	"loopsched/internal/waittimer"
)

// Option configures a Sequencer.
type Option func(*options)

type options struct {
	reporter   Reporter
	margin     clock.Millis
	skipBudget bool
}

// WithReporter installs the diagnostic sink.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithSafetyMargin requires the budget to exceed the configured delays (plus
// MinWork estimates) by at least m.
func WithSafetyMargin(m clock.Millis) Option {
	return func(o *options) { o.margin = m }
}

// WithoutBudgetCheck disables the budget part of validation. A budget that is
// too small then shows up as an overrun on every cycle instead of an error.
func WithoutBudgetCheck() Option {
	return func(o *options) { o.skipBudget = true }
}

// Sequencer is the task state machine.
//
// States 0..N-1 are the table's tasks, state N is the gap-filler. The wait
// timer and the current index only ever change together inside Tick.
type Sequencer struct {
	clk    clock.Clock
	table  Table
	budget clock.Millis
	rep    Reporter

	timer   *waittimer.Timer
	current int

	cycle      uint64
	cycleStart clock.Timestamp
	started    bool
}

// New validates the table against budget and returns a sequencer in state 0
// with a disarmed timer, so the first Tick runs the first task.
func New(clk clock.Clock, tasks []Task, budget clock.Millis, opts ...Option) (*Sequencer, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var err error
	if o.skipBudget {
		err = validateShape(tasks, budget)
	} else {
		err = Validate(tasks, budget, o.margin)
	}
	if err != nil {
		return nil, err
	}

	rep := o.reporter
	if rep == nil {
		rep = NopReporter{}
	}
	return &Sequencer{
		clk:    clk,
		table:  NewTable(tasks),
		budget: budget,
		rep:    rep,
		timer:  waittimer.New(clk),
	}, nil
}

// Tick advances the state machine by at most one state. It returns false,
// without side effects, while the current wait has not elapsed.
func (s *Sequencer) Tick() bool {
	if !s.timer.IsExpired() {
		return false
	}
	due, wasArmed := s.timer.Deadline()
	if wasArmed {
		s.timer.Disarm()
	}

	var (
		start clock.Timestamp
		wait  clock.Millis
	)
	if s.current == s.table.Len() {
		start, wait = s.fillGap()
	} else {
		start, wait = s.runTask(due, wasArmed)
	}

	s.timer.ArmAt(start, wait)
	s.current = (s.current + 1) % (s.table.Len() + 1)
	return true
}

func (s *Sequencer) runTask(due clock.Timestamp, wasArmed bool) (clock.Timestamp, clock.Millis) {
	idx := s.current
	task := s.table.Task(idx)

	now := s.clk.Now()
	if idx == 0 {
		var interval clock.Millis
		if s.started {
			interval = clock.Elapsed(now, s.cycleStart)
		}
		s.cycle++
		s.cycleStart = now
		s.started = true
		s.rep.CycleStarted(CycleStart{Cycle: s.cycle, At: now, Interval: interval})
	}

	var lag clock.Millis
	if wasArmed {
		lag = clock.Elapsed(now, due)
	}

	task.Work()

	end := s.clk.Now()
	s.rep.TaskCompleted(TaskReport{
		Cycle:   s.cycle,
		Index:   idx,
		Name:    task.Name,
		At:      end,
		Latency: clock.Elapsed(end, now),
		Lag:     lag,
		Delay:   task.Delay,
	})
	return end, task.Delay
}

// fillGap does the interval accounting for the last state.
func (s *Sequencer) fillGap() (clock.Timestamp, clock.Millis) {
	now := s.clk.Now()
	elapsed := clock.Elapsed(now, s.cycleStart)

	rep := CycleReport{
		Cycle:   s.cycle,
		At:      now,
		Elapsed: elapsed,
		Budget:  s.budget,
	}
	if elapsed <= s.budget {
		rep.Compensation = s.budget - elapsed
	} else {
		rep.Overrun = true
		s.rep.Overrun(OverrunReport{
			Cycle:     s.cycle,
			At:        now,
			Elapsed:   elapsed,
			Budget:    s.budget,
			Overshoot: elapsed - s.budget,
		})
	}
	s.rep.CycleCompleted(rep)
	return now, rep.Compensation
}

// Current returns the index of the state the next expiry will run.
// Table().Len() means the gap-filler.
func (s *Sequencer) Current() int { return s.current }

// Cycle returns the number of cycles started so far.
func (s *Sequencer) Cycle() uint64 { return s.cycle }

func (s *Sequencer) Budget() clock.Millis { return s.budget }

func (s *Sequencer) Table() Table { return s.table }

// Snapshot is a read-only view of the sequencer state.
type Snapshot struct {
	Current    int
	State      string
	Armed      bool
	Remaining  clock.Millis
	Cycle      uint64
	CycleStart clock.Timestamp
	Budget     clock.Millis
	Tasks      int
}

func (s *Sequencer) Snapshot() Snapshot {
	return Snapshot{
		Current:    s.current,
		State:      s.table.name(s.current),
		Armed:      s.timer.Armed(),
		Remaining:  s.timer.Remaining(),
		Cycle:      s.cycle,
		CycleStart: s.cycleStart,
		Budget:     s.budget,
		Tasks:      s.table.Len(),
	}
}
