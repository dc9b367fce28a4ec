// Package sequencer runs a fixed, ordered table of short tasks from a single
// polling loop while holding the total cycle time at a configured interval.
//
// Each call to Tick either returns immediately (the wait after the previous
// task has not elapsed) or executes exactly one state:
//   - states 0..N-1 run the task bodies in table order, then wait for the
//     task's post-delay
//   - state N is the gap-filler: it measures how long the cycle has taken
//     since state 0 began and waits out the rest of the interval, or reports
//     an overrun and restarts immediately
//
// Nothing in the package blocks except the task bodies themselves. A
// Sequencer is owned by one goroutine and is not safe for concurrent use.
package sequencer
