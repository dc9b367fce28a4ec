package storage

import (
	"context"
	"time"
)

// Config selects a driver from Drivers. An empty or "none" driver disables
// storage.
type Config struct {
	Driver string
	Path   string
	// BusyTimeout applies to sqlite; zero means 5s.
	BusyTimeout time.Duration
}

// Store is the persistence API used by the app, the CLI and maintenance.
type Store interface {
	AppendCycle(ctx context.Context, r CycleRecord) error
	// RecentCycles returns up to limit records, newest first.
	RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
	// PruneBefore deletes records older than t and reports how many went.
	PruneBefore(ctx context.Context, t time.Time) (int, error)
	Close() error
}

// CycleRecord is one completed cycle as persisted by every driver.
type CycleRecord struct {
	RunID          string        `json:"run_id"`
	Cycle          uint64        `json:"cycle"`
	At             time.Time     `json:"at"`
	ElapsedMS      uint32        `json:"elapsed_ms"`
	BudgetMS       uint32        `json:"budget_ms"`
	CompensationMS uint32        `json:"compensation_ms"`
	OvershootMS    uint32        `json:"overshoot_ms,omitempty"`
	Overrun        bool          `json:"overrun"`
	Tasks          []TaskLatency `json:"tasks,omitempty"`
}

type TaskLatency struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	LatencyMS uint32 `json:"latency_ms"`
	LagMS     uint32 `json:"lag_ms,omitempty"`
}
