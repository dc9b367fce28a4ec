// Package storage persists cycle history.
//
// Every completed cycle becomes one CycleRecord with its elapsed time,
// compensation, overshoot and per-task latencies. Two drivers exist:
//   - "file": JSON Lines, dependency-free
//   - "sqlite": a SQLite database (modernc.org/sqlite, pure Go)
package storage
