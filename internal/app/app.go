// Package app wires the sequencer, its reporters and the supporting services
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"loopsched/internal/alert"
	"loopsched/internal/clock"
	"loopsched/internal/config"
	"loopsched/internal/diag"
	"loopsched/internal/eventbus"
	"loopsched/internal/maintenance"
	"loopsched/internal/observability/debughttp"
	"loopsched/internal/runtime/supervisor"
	"loopsched/internal/sequencer"
	"loopsched/internal/storage"
	logx "loopsched/pkg/logx"
)

const (
	storageQueue = 1024
	alertQueue   = 64
)

type App struct {
	cfgm  *config.ConfigManager
	sup   *supervisor.Supervisor
	runID string

	log  logx.Logger
	logs *logx.Service

	bus       eventbus.Bus
	store     storage.Store
	retention time.Duration

	clk    clock.Clock
	seq    *sequencer.Sequencer
	logRep *diag.LogReporter
	stats  *diag.Recorder
	wd     *diag.Watchdog
	notif  *alert.Notifier
	maint  *maintenance.Service
	dbg    *debughttp.Service

	// loop options, for tests
	loopOpts []sequencer.LoopOption
	unsubs   []func()
	notify   func(state string) (bool, error)
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(config.LogxConfig(cfg.Logging))
	a, err := build(cfgm, cfg, log, clock.Clock(nil))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.logs = logs
	return a, nil
}

// build assembles the app. A nil clk means the system clock with the
// configured offset.
func build(cfgm *config.ConfigManager, cfg *config.Config, log logx.Logger, clk clock.Clock) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	runID := uuid.NewString()
	log = log.With(logx.String("run_id", runID))

	seqCfg, err := config.ResolveSequencer(cfg.Sequencer)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystem(seqCfg.ClockOffset)
	}

	logOpts, historySize, err := config.ResolveDiagnostics(cfg.Diagnostics)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logRep := diag.NewLogReporter(log.With(logx.String("comp", "sequencer")), logOpts)
	stats := diag.NewRecorder(historySize)
	rep := sequencer.Multi(logRep, stats, diag.NewBusReporter(bus, runID))

	seq, err := sequencer.New(clk, seqCfg.Tasks, seqCfg.Interval, seqCfg.Options(rep)...)
	if err != nil {
		return nil, err
	}

	storeCfg, retention, err := config.ResolveStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	alertCfg, err := config.ResolveAlerts(cfg.Alerts)
	if err != nil {
		closeStore()
		return nil, err
	}
	notif, err := alert.New(alertCfg, runID, log.With(logx.String("comp", "alerts")))
	if err != nil {
		closeStore()
		return nil, err
	}

	maintCfg, err := config.ResolveMaintenance(cfg.Maintenance, retention)
	if err != nil {
		closeStore()
		return nil, err
	}
	maint := maintenance.New(maintCfg, maintenance.Deps{
		Stats:   stats,
		Store:   store,
		Dropped: bus.Dropped,
	}, log.With(logx.String("comp", "maintenance")))

	wd, err := buildWatchdog(cfg.Watchdog, clk, log.With(logx.String("comp", "watchdog")))
	if err != nil {
		closeStore()
		return nil, err
	}

	dbgCfg, err := config.ResolveDebug(cfg.Debug, seqCfg.Interval)
	if err != nil {
		closeStore()
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		runID:     runID,
		log:       log.With(logx.String("comp", "app")),
		bus:       bus,
		store:     store,
		retention: retention,
		clk:       clk,
		seq:       seq,
		logRep:    logRep,
		stats:     stats,
		wd:        wd,
		notif:     notif,
		maint:     maint,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	a.dbg = debughttp.New(dbgCfg, debughttp.Deps{
		Stats:      stats.Snapshot,
		Goroutines: a.goroutines,
	}, log.With(logx.String("comp", "debug")))
	return a, nil
}

func (a *App) goroutines() []supervisor.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func buildWatchdog(c config.WatchdogConfig, clk clock.Clock, log logx.Logger) (*diag.Watchdog, error) {
	if !c.Enabled {
		return nil, nil
	}
	interval, err := config.ResolveWatchdog(c)
	if err != nil {
		return nil, err
	}
	if interval == 0 {
		if interval, err = diag.DetectWatchdog(); err != nil {
			return nil, fmt.Errorf("watchdog: %w", err)
		}
	}
	if interval == 0 {
		log.Info("watchdog enabled but not requested by systemd (WATCHDOG_USEC unset)")
		return nil, nil
	}
	wd := diag.NewWatchdog(clk, interval, log)
	if wd == nil {
		return nil, fmt.Errorf("watchdog: interval %s too small", interval)
	}
	log.Info("watchdog armed", logx.Duration("interval", interval))
	return wd, nil
}

func (a *App) RunID() string { return a.runID }

// LimitCycles makes the polling loop return after n complete cycles. Call
// before Start; zero means no limit.
func (a *App) LimitCycles(n uint64) {
	if n == 0 {
		return
	}
	states := uint64(a.seq.Table().Len() + 1)
	a.loopOpts = append(a.loopOpts, sequencer.WithMaxTicks(n*states))
}

// Stats returns the rolling cycle statistics.
func (a *App) Stats() diag.Stats { return a.stats.Snapshot() }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the polling loop and its consumers.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.store != nil {
		events, unsub := a.bus.Subscribe(storageQueue)
		a.unsubs = append(a.unsubs, unsub)
		w := storage.NewWriter(a.store, a.log.With(logx.String("comp", "storage")))
		a.sup.GoRestart("storage.writer", func(c context.Context) error {
			w.Run(c, events)
			return nil
		})
	}

	// subscribed even when disabled so a reload can turn alerts on
	events, unsub := a.bus.Subscribe(alertQueue)
	a.unsubs = append(a.unsubs, unsub)
	a.sup.GoRestart("alert.notifier", func(c context.Context) error {
		a.notif.Run(c, events)
		return nil
	})

	if err := a.maint.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	// optional; a bind failure is logged, not fatal
	if err := a.dbg.Start(a.sup.Context()); err != nil {
		a.log.Error("debug endpoint not started", logx.Err(err))
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	opts := append([]sequencer.LoopOption{sequencer.WithPollers(a.wd.Poller())}, a.loopOpts...)
	a.sup.Go("sequencer.loop", func(c context.Context) error {
		err := sequencer.Run(c, a.seq, opts...)
		if err == nil && c.Err() == nil {
			a.log.Info("polling loop finished")
			a.sup.Cancel()
		}
		return err
	})

	tbl := a.seq.Table()
	a.log.Info("app started",
		logx.Int("tasks", tbl.Len()),
		logx.Uint32("interval_ms", uint32(a.seq.Budget())),
		logx.Int64("slack_ms", int64(a.seq.Budget())-int64(tbl.SumDelays())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("alerts", a.notif.Enabled()),
		logx.Bool("watchdog", a.wd != nil),
		logx.Bool("debug", a.dbg.Enabled()),
	)
	a.sdNotify(daemon.SdNotifyReady, fmt.Sprintf("STATUS=polling %d tasks every %s", tbl.Len(), a.seq.Budget()))
	return nil
}

func (a *App) sdNotify(states ...string) {
	if a.notify == nil {
		return
	}
	if _, err := a.notify(strings.Join(states, "\n")); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
}

// Stop cancels everything and waits, bounded by ctx, for the goroutines.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// never started; only release what build opened
		a.dbg.Stop(ctx)
		var err error
		if a.store != nil {
			err = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	for _, st := range a.sup.Snapshot() {
		a.log.Debug("goroutine summary",
			logx.String("name", st.Name),
			logx.Uint64("restarts", st.Restarts),
			logx.Uint64("panics", st.Panics),
			logx.String("last_err", st.LastErr),
		)
	}
	s := a.stats.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("cycles", s.Cycles),
		logx.Uint64("overruns", s.Overruns),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
