// Package alert forwards cycle overruns to Telegram.
//
// The notifier consumes bus events on its own goroutine, so a slow or
// unreachable Telegram API never delays the polling loop.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loopsched/internal/clock"
	"loopsched/internal/eventbus"
	"loopsched/internal/sequencer"
	logx "loopsched/pkg/logx"
)

type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int

	// Every is the minimum spacing between alerts once Burst is used up.
	Every time.Duration
	Burst int
	// MinOvershoot ignores overruns smaller than this.
	MinOvershoot time.Duration
}

// Notifier turns overrun events into alert messages.
type Notifier struct {
	log       logx.Logger
	runID     string
	newSender func(Config) (Sender, error)

	mu           sync.Mutex
	cfg          Config
	sender       Sender
	limiter      *rate.Limiter
	minOvershoot clock.Millis

	// Only touched from Run.
	suppressed uint64
	sent       uint64
}

// New builds a notifier from cfg. A disabled config yields a notifier that
// drops everything, so callers never need a nil check.
func New(cfg Config, runID string, log logx.Logger) (*Notifier, error) {
	return newNotifier(cfg, runID, log, func(c Config) (Sender, error) {
		return NewTelegram(c.Token, c.ChatID, c.ThreadID)
	})
}

// NewWithSender is New with a custom delivery channel.
func NewWithSender(s Sender, cfg Config, runID string, log logx.Logger) (*Notifier, error) {
	return newNotifier(cfg, runID, log, func(Config) (Sender, error) { return s, nil })
}

func newNotifier(cfg Config, runID string, log logx.Logger, factory func(Config) (Sender, error)) (*Notifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log, runID: runID, newSender: factory}
	if err := n.Apply(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Apply swaps the alert settings. The sender is rebuilt only when the
// destination changed.
func (n *Notifier) Apply(cfg Config) error {
	minOver, err := clock.FromDuration(cfg.MinOvershoot)
	if err != nil {
		return fmt.Errorf("alerts.min_overshoot: %w", err)
	}

	var lim *rate.Limiter
	if cfg.Every > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(cfg.Every), burst)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sender := n.sender
	switch {
	case !cfg.Enabled:
		sender = nil
	case sender == nil || destChanged(n.cfg, cfg):
		s, err := n.newSender(cfg)
		if err != nil {
			return err
		}
		sender = s
	}

	n.cfg = cfg
	n.sender = sender
	n.limiter = lim
	n.minOvershoot = minOver
	return nil
}

func destChanged(a, b Config) bool {
	return a.Token != b.Token || a.ChatID != b.ChatID || a.ThreadID != b.ThreadID
}

func (n *Notifier) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sender != nil
}

// Run consumes events until ctx is done or the channel is closed.
func (n *Notifier) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n.Handle(ctx, e)
		}
	}
}

// Handle processes one event; anything but an overrun is ignored.
func (n *Notifier) Handle(ctx context.Context, e eventbus.Event) {
	o, ok := e.Data.(sequencer.OverrunReport)
	if !ok {
		return
	}

	n.mu.Lock()
	sender, lim, minOver := n.sender, n.limiter, n.minOvershoot
	n.mu.Unlock()

	if sender == nil || o.Overshoot < minOver {
		return
	}
	if lim != nil && !lim.Allow() {
		n.suppressed++
		return
	}

	text := formatOverrun(n.runID, e.Time, o, n.suppressed)
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sender.Send(sctx, text); err != nil {
		n.log.Warn("overrun alert failed", logx.Err(err), logx.Uint64("cycle", o.Cycle))
		return
	}
	n.suppressed = 0
	n.sent++
}

// Sent reports delivered alerts. Not safe for concurrent use with Run.
func (n *Notifier) Sent() uint64 { return n.sent }

func formatOverrun(runID string, at time.Time, o sequencer.OverrunReport, suppressed uint64) string {
	var b strings.Builder
	b.WriteString("[WARN] cycle overran interval budget\n")
	fmt.Fprintf(&b, "cycle: %d\n", o.Cycle)
	fmt.Fprintf(&b, "elapsed: %s (budget %s, +%s)\n", o.Elapsed, o.Budget, o.Overshoot)
	if runID != "" {
		fmt.Fprintf(&b, "run: %s\n", runID)
	}
	if !at.IsZero() {
		fmt.Fprintf(&b, "at: %s\n", at.Format(time.RFC3339))
	}
	if suppressed > 0 {
		fmt.Fprintf(&b, "suppressed since last alert: %d\n", suppressed)
	}
	return strings.TrimRight(b.String(), "\n")
}
