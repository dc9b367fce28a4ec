package config

import (
	"reflect"
	"strings"

	logx "loopsched/pkg/logx"
)

// Sections that a running process can apply without a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"alerts":      true,
	"maintenance": true,
	"diagnostics": true,
	"debug":       true,
}

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never includes the bot token), and (3) the
// changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
		restart []string
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sequencer, newCfg.Sequencer) {
		mark("sequencer",
			logx.String("sequencer.interval", strings.TrimSpace(newCfg.Sequencer.Interval)),
			logx.Int("sequencer.tasks", len(newCfg.Sequencer.Tasks)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		var st StorageConfig
		if newCfg.Storage != nil {
			st = *newCfg.Storage
		}
		mark("storage",
			logx.Bool("storage.present", newCfg.Storage != nil),
			logx.String("storage.driver", strings.TrimSpace(st.Driver)),
			logx.String("storage.retention", strings.TrimSpace(st.Retention)),
		)
	}

	ot, nt := oldCfg.Alerts.Telegram, newCfg.Alerts.Telegram
	if !reflect.DeepEqual(ot, nt) {
		mark("alerts",
			logx.Bool("alerts.telegram.enabled", nt.Enabled),
			logx.Bool("alerts.telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Bool("alerts.telegram.chat_changed", ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID),
			logx.String("alerts.telegram.every", strings.TrimSpace(nt.Every)),
			logx.String("alerts.telegram.min_overshoot", strings.TrimSpace(nt.MinOvershoot)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		mark("maintenance",
			logx.String("maintenance.summary", newCfg.Maintenance.Summary),
			logx.String("maintenance.prune", newCfg.Maintenance.Prune),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		mark("watchdog",
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.interval", newCfg.Watchdog.Interval),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		// the stats window is sized once at startup
		if oldCfg.Diagnostics.HistorySize != newCfg.Diagnostics.HistorySize {
			restart = append(restart, "diagnostics.history_size")
		}
		mark("diagnostics",
			logx.String("diagnostics.overrun_warn_every", newCfg.Diagnostics.OverrunWarnEvery),
			logx.Int("diagnostics.overrun_warn_burst", newCfg.Diagnostics.OverrunWarnBurst),
			logx.Int("diagnostics.history_size", newCfg.Diagnostics.HistorySize),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		mark("debug",
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", nd.Addr),
			logx.Bool("debug.token_changed", strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token)),
			logx.Bool("debug.pprof", nd.Pprof),
		)
	}

	return changed, attrs, restart
}
