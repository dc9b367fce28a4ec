// Package maintenance runs periodic housekeeping next to the polling loop:
// a cycle statistics summary and history pruning.
//
// Jobs run on robfig/cron's goroutines and never touch the sequencer.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loopsched/internal/diag"
	"loopsched/internal/storage"
	logx "loopsched/pkg/logx"
)

const (
	JobSummary = "summary"
	JobPrune   = "prune"
)

type Config struct {
	Summary   string // schedule; empty disables
	Prune     string // schedule; empty disables
	Retention time.Duration
	Timezone  string
}

// StatsSource is satisfied by *diag.Recorder.
type StatsSource interface {
	Snapshot() diag.Stats
}

type Deps struct {
	Stats StatsSource
	Store storage.Store
	// Dropped reports bus deliveries lost to slow subscribers. Optional.
	Dropped func() uint64
}

type Service struct {
	log  logx.Logger
	deps Deps
	now  func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	loc *time.Location
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// Validate checks schedules and timezone without touching a running service.
func Validate(cfg Config) error {
	for _, raw := range []string{cfg.Summary, cfg.Prune} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := ParseSchedule(raw); err != nil {
			return err
		}
	}
	_, err := loadLocation(cfg.Timezone)
	return err
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Start registers the configured jobs and starts triggering.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))

	jobs := 0
	for _, j := range []struct {
		name string
		raw  string
		run  func()
	}{
		{JobSummary, s.cfg.Summary, func() { s.Summary() }},
		{JobPrune, s.cfg.Prune, func() { _, _ = s.Prune(context.Background()) }},
	} {
		if strings.TrimSpace(j.raw) == "" {
			continue
		}
		sched, err := ParseSchedule(j.raw)
		if err != nil {
			return err
		}
		c.Schedule(sched.sched, cron.FuncJob(j.run))
		jobs++
		s.log.Debug("job registered", logx.String("job", j.name), logx.String("schedule", sched.String()))
	}

	s.c, s.loc = c, loc
	c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", jobs))
	return nil
}

// Apply swaps the config. A running service re-registers its jobs.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	// in-flight jobs finish on their own
	s.c.Stop()
	s.c = nil
	return s.startLocked()
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Entries returns the number of registered jobs.
func (s *Service) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}

// Summary logs rolling cycle statistics.
func (s *Service) Summary() {
	if s.deps.Stats == nil {
		return
	}
	st := s.deps.Stats.Snapshot()
	fields := []logx.Field{
		logx.Uint64("cycles", st.Cycles),
		logx.Uint64("overruns", st.Overruns),
		logx.Uint32("max_overshoot_ms", uint32(st.MaxOvershoot)),
		logx.Int("window", st.Window),
		logx.Uint32("elapsed_min_ms", uint32(st.Min)),
		logx.Uint32("elapsed_mean_ms", uint32(st.Mean)),
		logx.Uint32("elapsed_p95_ms", uint32(st.P95)),
		logx.Uint32("elapsed_max_ms", uint32(st.Max)),
		logx.Duration("uptime", s.now().Sub(st.Since).Truncate(time.Second)),
	}
	if s.deps.Dropped != nil {
		fields = append(fields, logx.Uint64("bus_dropped", s.deps.Dropped()))
	}
	s.log.Info("cycle summary", fields...)

	for _, ts := range st.Tasks {
		s.log.Debug("task summary",
			logx.Int("index", ts.Index),
			logx.String("task", ts.Name),
			logx.Uint64("runs", ts.Count),
			logx.Uint32("latency_mean_ms", uint32(ts.MeanLatency)),
			logx.Uint32("latency_max_ms", uint32(ts.MaxLatency)),
		)
	}
}

// Prune deletes history older than the retention window.
func (s *Service) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	if s.deps.Store == nil || retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention)
	n, err := s.deps.Store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}
