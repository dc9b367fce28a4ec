package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"loopsched/internal/alert"
	"loopsched/internal/clock"
	"loopsched/internal/diag"
	"loopsched/internal/maintenance"
	"loopsched/internal/observability/debughttp"
	"loopsched/internal/sensors"
	"loopsched/internal/sequencer"
	"loopsched/internal/storage"
	logx "loopsched/pkg/logx"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultAlertEvery   = time.Minute
	DefaultHistorySize  = 256
	defaultBusyTimeout  = 5 * time.Second
	maxHistorySize      = 1 << 16
	defaultTaskNameBase = "task-"
)

// Sequencer is the resolved sequencer section.
type Sequencer struct {
	Interval        clock.Millis
	SafetyMargin    clock.Millis
	ClockOffset     clock.Timestamp
	SkipBudgetCheck bool
	Tasks           []sequencer.Task
}

// BuildTasks converts the task rows into sequencer tasks with simulated
// bodies. Rows keep their order.
func BuildTasks(c SequencerConfig) ([]sequencer.Task, error) {
	var errs []error
	tasks := make([]sequencer.Task, 0, len(c.Tasks))
	for i, tc := range c.Tasks {
		p := fmt.Sprintf("sequencer.tasks[%d]", i)
		if strings.TrimSpace(tc.Delay) == "" {
			errs = append(errs, fmt.Errorf("%s.delay: required", p))
			continue
		}
		delay, err := millisField(p+".delay", tc.Delay)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		work, err := ParseDurationField(p+".work", tc.Work)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jitter, err := ParseDurationField(p+".jitter", tc.Jitter)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		minWork, err := millisField(p+".min_work", tc.MinWork)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("%s%d", defaultTaskNameBase, i+1)
		}
		tasks = append(tasks, sequencer.Task{
			Name:    name,
			Work:    sensors.Simulated(work, jitter),
			Delay:   delay,
			MinWork: minWork,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ResolveSequencer parses the sequencer section and validates the budget
// unless skip_budget_check is set.
func ResolveSequencer(c SequencerConfig) (Sequencer, error) {
	var out Sequencer
	var errs []error

	d, err := ParseDurationOrDefault("sequencer.interval", c.Interval, DefaultInterval)
	if err != nil {
		errs = append(errs, err)
	} else if out.Interval, err = clock.FromDuration(d); err != nil {
		errs = append(errs, fmt.Errorf("sequencer.interval: %w", err))
	}
	if out.SafetyMargin, err = millisField("sequencer.safety_margin", c.SafetyMargin); err != nil {
		errs = append(errs, err)
	}
	offset, err := millisField("sequencer.clock_offset", c.ClockOffset)
	if err != nil {
		errs = append(errs, err)
	}
	out.ClockOffset = clock.Timestamp(offset)
	out.SkipBudgetCheck = c.SkipBudgetCheck

	if out.Tasks, err = BuildTasks(c); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return Sequencer{}, err
	}

	if !out.SkipBudgetCheck {
		if err := sequencer.Validate(out.Tasks, out.Interval, out.SafetyMargin); err != nil {
			return Sequencer{}, fmt.Errorf("sequencer: %w", err)
		}
	}
	return out, nil
}

// Options returns the sequencer options implied by the section.
func (s Sequencer) Options(rep sequencer.Reporter) []sequencer.Option {
	opts := []sequencer.Option{sequencer.WithReporter(rep), sequencer.WithSafetyMargin(s.SafetyMargin)}
	if s.SkipBudgetCheck {
		opts = append(opts, sequencer.WithoutBudgetCheck())
	}
	return opts
}

func LogxConfig(c LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// ResolveStorage returns the storage config and retention. A nil section
// disables storage.
func ResolveStorage(c *StorageConfig) (storage.Config, time.Duration, error) {
	if c == nil {
		return storage.Config{}, 0, nil
	}
	busy, err := ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	retention, err := ParseDurationField("storage.retention", c.Retention)
	if err != nil {
		return storage.Config{}, 0, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{Driver: driver}, retention, nil
	}
	if !slices.Contains(storage.Drivers(), driver) {
		return storage.Config{}, 0, fmt.Errorf("storage.driver: unknown driver %q", c.Driver)
	}
	if strings.TrimSpace(c.Path) == "" {
		return storage.Config{}, 0, errors.New("storage.path: required")
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(c.Path), BusyTimeout: busy}, retention, nil
}

func ResolveAlerts(c AlertsConfig) (alert.Config, error) {
	tc := c.Telegram
	every, err := ParseDurationOrDefault("alerts.telegram.every", tc.Every, DefaultAlertEvery)
	if err != nil {
		return alert.Config{}, err
	}
	minOver, err := ParseDurationField("alerts.telegram.min_overshoot", tc.MinOvershoot)
	if err != nil {
		return alert.Config{}, err
	}
	if tc.Enabled {
		if strings.TrimSpace(tc.Token) == "" {
			return alert.Config{}, errors.New("alerts.telegram.token: required when enabled")
		}
		if tc.ChatID == 0 {
			return alert.Config{}, errors.New("alerts.telegram.chat_id: required when enabled")
		}
	}
	return alert.Config{
		Enabled:      tc.Enabled,
		Token:        strings.TrimSpace(tc.Token),
		ChatID:       tc.ChatID,
		ThreadID:     tc.ThreadID,
		Every:        every,
		Burst:        max(tc.Burst, 1),
		MinOvershoot: minOver,
	}, nil
}

func ResolveMaintenance(c MaintenanceConfig, retention time.Duration) (maintenance.Config, error) {
	out := maintenance.Config{
		Summary:   strings.TrimSpace(c.Summary),
		Prune:     strings.TrimSpace(c.Prune),
		Retention: retention,
		Timezone:  strings.TrimSpace(c.Timezone),
	}
	if err := maintenance.Validate(out); err != nil {
		return maintenance.Config{}, fmt.Errorf("maintenance: %w", err)
	}
	return out, nil
}

// ResolveDiagnostics returns the log throttle and the stats window size.
func ResolveDiagnostics(c DiagnosticsConfig) (diag.LogOptions, int, error) {
	every, err := ParseDurationField("diagnostics.overrun_warn_every", c.OverrunWarnEvery)
	if err != nil {
		return diag.LogOptions{}, 0, err
	}
	size := c.HistorySize
	switch {
	case size == 0:
		size = DefaultHistorySize
	case size < 0 || size > maxHistorySize:
		return diag.LogOptions{}, 0, fmt.Errorf("diagnostics.history_size: must be in 1..%d", maxHistorySize)
	}
	return diag.LogOptions{WarnEvery: every, WarnBurst: max(c.OverrunWarnBurst, 1)}, size, nil
}

// ResolveWatchdog returns the configured ping interval; 0 means use the
// systemd environment.
func ResolveWatchdog(c WatchdogConfig) (time.Duration, error) {
	return ParseDurationField("watchdog.interval", c.Interval)
}

// ResolveDebug returns the debug endpoint config. interval sizes the default
// staleness window.
func ResolveDebug(c DebugConfig, interval clock.Millis) (debughttp.Config, error) {
	stale, err := ParseDurationOrDefault("debug.stale_after", c.StaleAfter, 3*time.Duration(interval)*time.Millisecond)
	if err != nil {
		return debughttp.Config{}, err
	}
	out := debughttp.Config{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		StaleAfter:    stale,
	}
	if err := debughttp.CheckBind(out); err != nil {
		return debughttp.Config{}, err
	}
	return out, nil
}

// Validate checks every section. It is used on startup and as the reload
// validator, so a bad edit never replaces a good config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	seq, err := ResolveSequencer(cfg.Sequencer)
	if err != nil {
		errs = append(errs, err)
	}
	_, retention, err := ResolveStorage(cfg.Storage)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveAlerts(cfg.Alerts); err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveMaintenance(cfg.Maintenance, retention); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := ResolveDiagnostics(cfg.Diagnostics); err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveWatchdog(cfg.Watchdog); err != nil {
		errs = append(errs, err)
	}
	if _, err := ResolveDebug(cfg.Debug, seq.Interval); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
