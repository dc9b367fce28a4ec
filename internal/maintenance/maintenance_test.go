package maintenance

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"loopsched/internal/diag"
	"loopsched/internal/storage"
	logx "loopsched/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", cron: "*/5 * * * *"},
		{name: "cron with seconds", raw: "0 30 * * * *", cron: "0 30 * * * *"},
		{name: "descriptor", raw: "@hourly", cron: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", cron: "0 0 * * *"},
		{name: "duration", raw: "10m", every: 10 * time.Minute},
		{name: "prefixed every", raw: "every:45s", every: 45 * time.Second},
		{name: "prefixed interval", raw: "interval:01:00", every: time.Hour},
		{name: "hhmm", raw: "01:30", every: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Cron != tt.cron || got.Every != tt.every {
				t.Fatalf("got cron=%q every=%v, want cron=%q every=%v", got.Cron, got.Every, tt.cron, tt.every)
			}
			base := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
			if next := got.Next(base); !next.After(base) {
				t.Fatalf("Next(%v) = %v", base, next)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "01:75", "cron:", "* * *", "every:soon"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(Config{Summary: "1m", Prune: "@daily", Timezone: "UTC"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate(Config{Summary: "bogus"}); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := Validate(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatalf("expected timezone error")
	}
}

type fixedStats struct{ st diag.Stats }

func (f fixedStats) Snapshot() diag.Stats { return f.st }

func TestSummaryLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	s := New(Config{}, Deps{
		Stats: fixedStats{diag.Stats{
			Since:    now.Add(-time.Hour),
			Cycles:   720,
			Overruns: 3,
			Window:   256,
			P95:      4990,
			Tasks:    []diag.TaskStats{{Index: 0, Name: "read-sensor", Count: 720}},
		}},
		Dropped: func() uint64 { return 7 },
	}, logx.NewWriter(&buf, "debug"))
	s.now = func() time.Time { return now }

	s.Summary()

	out := buf.String()
	for _, want := range []string{`"cycle summary"`, `"cycles":720`, `"overruns":3`, `"elapsed_p95_ms":4990`, `"bus_dropped":7`, `"task summary"`, `"read-sensor"`} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

type pruneStore struct {
	storage.Store
	before time.Time
	n      int
	err    error
}

func (p *pruneStore) PruneBefore(_ context.Context, t time.Time) (int, error) {
	p.before = t
	return p.n, p.err
}

func TestPrune(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ps := &pruneStore{n: 4}
	s := New(Config{Retention: 72 * time.Hour}, Deps{Store: ps}, logx.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Prune(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if want := now.Add(-72 * time.Hour); !ps.before.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", ps.before, want)
	}

	ps.err = errors.New("locked")
	if _, err := s.Prune(context.Background()); err == nil {
		t.Fatalf("expected error")
	}

	// no retention means keep everything
	off := New(Config{}, Deps{Store: ps}, logx.Nop())
	ps.before = time.Time{}
	if n, err := off.Prune(context.Background()); n != 0 || err != nil || !ps.before.IsZero() {
		t.Fatalf("disabled prune touched the store")
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Summary: "1h", Timezone: "UTC"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Entries(); got != 1 {
		t.Fatalf("Entries = %d, want 1", got)
	}

	if err := s.Apply(Config{Summary: "1h", Prune: "@daily", Retention: time.Hour}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := s.Entries(); got != 2 {
		t.Fatalf("Entries after Apply = %d, want 2", got)
	}
	if err := s.Apply(Config{Summary: "nope"}); err == nil {
		t.Fatalf("expected Apply error")
	}
	if got := s.Entries(); got != 2 {
		t.Fatalf("rejected Apply changed jobs: %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := s.Entries(); got != 0 {
		t.Fatalf("Entries after Stop = %d", got)
	}
}
