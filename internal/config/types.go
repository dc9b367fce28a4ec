package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "5s", "72h").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Sequencer   SequencerConfig   `json:"sequencer"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Alerts      AlertsConfig      `json:"alerts"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Watchdog    WatchdogConfig    `json:"watchdog"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Debug       DebugConfig       `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SequencerConfig describes the fixed task table and its interval budget.
//
// Defaults (when fields are omitted/zero):
//   - interval: "5s"
//   - safety_margin: "0s"
//   - clock_offset: "0s"
//
// Changes to this section require a restart.
type SequencerConfig struct {
	Interval     string `json:"interval"`
	SafetyMargin string `json:"safety_margin,omitempty"`
	// ClockOffset starts the millisecond clock at a non-zero reading.
	// Useful to exercise the 2^32 wraparound without waiting 49.7 days.
	ClockOffset string `json:"clock_offset,omitempty"`
	// SkipBudgetCheck starts even when delays plus min_work exceed the
	// interval. Every cycle will then overrun.
	SkipBudgetCheck bool         `json:"skip_budget_check,omitempty"`
	Tasks           []TaskConfig `json:"tasks"`
}

// TaskConfig is one row of the table. Work and Jitter shape the simulated
// body; MinWork is the execution time budget validation reserves for it.
type TaskConfig struct {
	Name    string `json:"name,omitempty"`
	Delay   string `json:"delay"`
	Work    string `json:"work,omitempty"`
	Jitter  string `json:"jitter,omitempty"`
	MinWork string `json:"min_work,omitempty"`
}

// StorageConfig controls cycle history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`    // "0s" or empty keeps everything
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

// TelegramAlertConfig sends overrun alerts to a chat.
//
// Defaults:
//   - every: "1m"
//   - burst: 1
//   - min_overshoot: "0s"
type TelegramAlertConfig struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token,omitempty"`
	ChatID       int64  `json:"chat_id,omitempty"`
	ThreadID     int    `json:"thread_id,omitempty"`
	Every        string `json:"every,omitempty"`
	Burst        int    `json:"burst,omitempty"`
	MinOvershoot string `json:"min_overshoot,omitempty"`
}

// MaintenanceConfig schedules background jobs. Schedules accept cron
// ("*/5 * * * *", "@hourly"), Go durations ("10m") or HH:MM intervals.
// An empty schedule disables the job.
type MaintenanceConfig struct {
	Summary  string `json:"summary,omitempty"`
	Prune    string `json:"prune,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// WatchdogConfig controls systemd watchdog pings. An empty interval uses
// WATCHDOG_USEC from the environment.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

// DiagnosticsConfig tunes in-process reporting.
//
// Defaults:
//   - overrun_warn_every: "0s" (log every overrun)
//   - overrun_warn_burst: 1
//   - history_size: 256
type DiagnosticsConfig struct {
	OverrunWarnEvery string `json:"overrun_warn_every,omitempty"`
	OverrunWarnBurst int    `json:"overrun_warn_burst,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
}

// DebugConfig exposes /healthz, /stats, /goroutines and optionally pprof.
//
// Defaults:
//   - addr: "127.0.0.1:6060"
//   - stale_after: three intervals
//
// A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	StaleAfter    string `json:"stale_after,omitempty"`
}
