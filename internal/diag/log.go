package diag

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"loopsched/internal/clock"
	"loopsched/internal/sequencer"
	logx "loopsched/pkg/logx"
)

// LogOptions controls how noisy the log reporter is about overruns.
type LogOptions struct {
	// WarnEvery is the minimum spacing between overrun warnings once the
	// burst is used up. Zero means every overrun is logged.
	WarnEvery time.Duration
	WarnBurst int
}

// LogReporter writes sequencer reports to the structured log.
//
// Task completions and cycle starts go to debug, cycle completions to info
// and overruns to warn. Overrun warnings are rate limited; the number of
// suppressed warnings is attached to the next one that gets through.
type LogReporter struct {
	log     logx.Logger
	limiter atomic.Pointer[rate.Limiter]

	// Only touched from the polling goroutine.
	suppressed uint64
}

func NewLogReporter(log logx.Logger, opt LogOptions) *LogReporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &LogReporter{log: log}
	r.Apply(opt)
	return r
}

// Apply swaps the overrun throttle. Safe to call from any goroutine.
func (r *LogReporter) Apply(opt LogOptions) {
	if opt.WarnEvery <= 0 {
		r.limiter.Store(nil)
		return
	}
	burst := opt.WarnBurst
	if burst <= 0 {
		burst = 1
	}
	r.limiter.Store(rate.NewLimiter(rate.Every(opt.WarnEvery), burst))
}

func (r *LogReporter) CycleStarted(c sequencer.CycleStart) {
	r.log.Debug("cycle started",
		logx.Uint64("cycle", c.Cycle),
		logx.Uint32("interval_ms", uint32(c.Interval)),
		logx.String("uptime", FormatUptime(c.At)),
	)
}

func (r *LogReporter) TaskCompleted(t sequencer.TaskReport) {
	r.log.Debug("task completed",
		logx.Uint64("cycle", t.Cycle),
		logx.Int("index", t.Index),
		logx.String("task", t.Name),
		logx.Uint32("latency_ms", uint32(t.Latency)),
		logx.Uint32("lag_ms", uint32(t.Lag)),
		logx.Uint32("delay_ms", uint32(t.Delay)),
	)
}

func (r *LogReporter) CycleCompleted(c sequencer.CycleReport) {
	r.log.Info("cycle completed",
		logx.Uint64("cycle", c.Cycle),
		logx.Uint32("elapsed_ms", uint32(c.Elapsed)),
		logx.Uint32("compensation_ms", uint32(c.Compensation)),
		logx.Bool("overrun", c.Overrun),
	)
}

func (r *LogReporter) Overrun(o sequencer.OverrunReport) {
	if lim := r.limiter.Load(); lim != nil && !lim.Allow() {
		r.suppressed++
		return
	}
	fields := []logx.Field{
		logx.Uint64("cycle", o.Cycle),
		logx.Uint32("overshoot_ms", uint32(o.Overshoot)),
		logx.Uint32("elapsed_ms", uint32(o.Elapsed)),
		logx.Uint32("budget_ms", uint32(o.Budget)),
	}
	if r.suppressed > 0 {
		fields = append(fields, logx.Uint64("suppressed", r.suppressed))
		r.suppressed = 0
	}
	r.log.Warn("cycle overran interval budget", fields...)
}

// FormatUptime renders a clock reading as HH:MM:SS.mmm.
func FormatUptime(ts clock.Timestamp) string {
	ms := uint64(ts)
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

var _ sequencer.Reporter = (*LogReporter)(nil)
