package app

import (
	"context"
	"strings"

	"loopsched/internal/config"
	logx "loopsched/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts; only the newest matters
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig applies the live sections of next. The config was validated
// before it was published, so resolve errors here are unexpected and keep
// the previous settings.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if a.logs != nil {
		if err := a.logs.Apply(config.LogxConfig(next.Logging)); err != nil {
			a.log.Warn("log file sink unavailable; console only", logx.Err(err))
		}
	}

	if ac, err := config.ResolveAlerts(next.Alerts); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else if err := a.notif.Apply(ac); err != nil {
		a.log.Warn("alerts reconfigure failed; keeping previous", logx.Err(err))
	}

	if opt, _, err := config.ResolveDiagnostics(next.Diagnostics); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else {
		a.logRep.Apply(opt)
	}

	// retention belongs to storage and stays as started
	if mc, err := config.ResolveMaintenance(next.Maintenance, a.retention); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.log.Warn("maintenance reconfigure failed", logx.Err(err))
	}

	if dc, err := config.ResolveDebug(next.Debug, a.seq.Budget()); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else if err := a.dbg.Apply(a.runCtx(), dc); err != nil {
		a.log.Warn("debug endpoint reconfigure failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// runCtx is the supervisor context, or Background before Start.
func (a *App) runCtx() context.Context {
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}
