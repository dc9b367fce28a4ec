package sequencer

import (
	"context"
	"runtime"
)

// Poller is a non-blocking duty that shares the polling loop with the
// sequencer (e.g. a watchdog ping). It must return immediately.
type Poller func()

// LoopOption configures Run.
type LoopOption func(*loopConfig)

type loopConfig struct {
	pollers  []Poller
	maxTicks uint64
}

// WithPollers adds co-resident pollers, called in order after every Tick.
func WithPollers(ps ...Poller) LoopOption {
	return func(c *loopConfig) {
		for _, p := range ps {
			if p != nil {
				c.pollers = append(c.pollers, p)
			}
		}
	}
}

// WithMaxTicks stops Run after n executed states. Zero means no limit.
func WithMaxTicks(n uint64) LoopOption {
	return func(c *loopConfig) { c.maxTicks = n }
}

// Run polls s until ctx is cancelled. It never sleeps: when nothing is due it
// yields the processor with runtime.Gosched and polls again.
//
// Run must be the only caller of s.Tick.
func Run(ctx context.Context, s *Sequencer, opts ...LoopOption) error {
	var cfg loopConfig
	for _, o := range opts {
		o(&cfg)
	}

	done := ctx.Done()
	var executed uint64
	for {
		select {
		case <-done:
			return nil
		default:
		}

		ran := s.Tick()
		for _, p := range cfg.pollers {
			p()
		}

		if ran {
			executed++
			if cfg.maxTicks > 0 && executed >= cfg.maxTicks {
				return nil
			}
			continue
		}
		runtime.Gosched()
	}
}
