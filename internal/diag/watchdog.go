package diag

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"loopsched/internal/clock"
	"loopsched/internal/sequencer"
	"loopsched/internal/waittimer"
	logx "loopsched/pkg/logx"
)

// Watchdog pings the systemd service watchdog from inside the polling loop.
//
// It is a sequencer.Poller: if a task body never returns, the loop stops
// polling, the pings stop, and systemd restarts the service.
type Watchdog struct {
	timer  *waittimer.Timer
	every  clock.Millis
	log    logx.Logger
	notify func(state string) (bool, error)

	pings    uint64
	failures uint64
}

// DetectWatchdog returns the interval systemd expects pings at, or 0 when
// the service runs without WatchdogSec.
func DetectWatchdog() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// NewWatchdog pings at half of interval. It returns nil when interval is
// too small to express in milliseconds.
func NewWatchdog(clk clock.Clock, interval time.Duration, log logx.Logger) *Watchdog {
	every, err := clock.FromDuration(interval / 2)
	if err != nil || every == 0 {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		timer: waittimer.New(clk),
		every: every,
		log:   log,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// Poll sends a ping when the previous one is old enough. Nil-safe.
func (w *Watchdog) Poll() {
	if w == nil || !w.timer.IsExpired() {
		return
	}
	w.timer.Disarm()
	sent, err := w.notify(daemon.SdNotifyWatchdog)
	switch {
	case err != nil:
		w.failures++
		// first failure and then every 100th, to keep the log readable
		if w.failures%100 == 1 {
			w.log.Warn("watchdog ping failed", logx.Err(err), logx.Uint64("failures", w.failures))
		}
	case sent:
		w.pings++
	}
	w.timer.Arm(w.every)
}

// Poller returns Poll as a sequencer.Poller, or nil for a nil watchdog.
func (w *Watchdog) Poller() sequencer.Poller {
	if w == nil {
		return nil
	}
	return w.Poll
}

func (w *Watchdog) Pings() uint64 {
	if w == nil {
		return 0
	}
	return w.pings
}
