package sequencer

import (
	"errors"
	"fmt"

	"loopsched/internal/clock"
)

var (
	ErrNoTasks        = errors.New("sequencer: task table is empty")
	ErrNilWork        = errors.New("sequencer: task has no work function")
	ErrZeroBudget     = errors.New("sequencer: interval budget must be > 0")
	ErrBudgetTooSmall = errors.New("sequencer: interval budget too small")
)

// BudgetError describes an interval that cannot hold the configured delays.
// It matches ErrBudgetTooSmall with errors.Is.
type BudgetError struct {
	Budget  clock.Millis
	Delays  uint64
	MinWork uint64
	Margin  clock.Millis
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf(
		"sequencer: interval budget %dms < delays %dms + min work %dms + margin %dms",
		e.Budget, e.Delays, e.MinWork, e.Margin,
	)
}

func (e *BudgetError) Is(target error) bool { return target == ErrBudgetTooSmall }

// Need returns the smallest budget that would pass validation.
func (e *BudgetError) Need() uint64 {
	return e.Delays + e.MinWork + uint64(e.Margin)
}

// Validate checks a task table against the interval budget.
//
// The sum of all post-delays, all MinWork estimates and the safety margin
// must fit inside budget; otherwise every cycle would overrun. All problems
// are returned together.
func Validate(tasks []Task, budget, margin clock.Millis) error {
	errs := checkShape(tasks, budget)
	if budget != 0 {
		tbl := NewTable(tasks)
		be := &BudgetError{
			Budget:  budget,
			Delays:  tbl.SumDelays(),
			MinWork: tbl.SumMinWork(),
			Margin:  margin,
		}
		if be.Need() > uint64(budget) {
			errs = append(errs, be)
		}
	}
	return errors.Join(errs...)
}

// validateShape is Validate without the budget arithmetic.
func validateShape(tasks []Task, budget clock.Millis) error {
	return errors.Join(checkShape(tasks, budget)...)
}

func checkShape(tasks []Task, budget clock.Millis) []error {
	var errs []error
	if len(tasks) == 0 {
		errs = append(errs, ErrNoTasks)
	}
	for i, t := range tasks {
		if t.Work == nil {
			errs = append(errs, fmt.Errorf("task %d (%s): %w", i, t.Name, ErrNilWork))
		}
	}
	if budget == 0 {
		errs = append(errs, ErrZeroBudget)
	}
	return errs
}
