package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"loopsched/internal/clock"
	"loopsched/internal/sequencer"
)

const sampleYAML = `
logging:
  level: debug
  console: true
sequencer:
  interval: 5s
  safety_margin: 50ms
  clock_offset: 1000ms
  tasks:
    - name: read-sensor
      delay: 500ms
      work: 1ms
      min_work: 10ms
    - delay: 1200ms
      min_work: 700ms
storage:
  driver: file
  path: ./data/history
  retention: 24h
alerts:
  telegram:
    enabled: false
maintenance:
  summary: "@every 10m"
  prune: "0 3 * * *"
  timezone: UTC
watchdog:
  enabled: true
diagnostics:
  overrun_warn_every: 30s
  overrun_warn_burst: 5
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if cfg.Logging.Level != "debug" || len(cfg.Sequencer.Tasks) != 2 || cfg.Storage == nil {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	seq, err := ResolveSequencer(cfg.Sequencer)
	if err != nil {
		t.Fatalf("ResolveSequencer: %v", err)
	}
	if seq.Interval != 5000 || seq.SafetyMargin != 50 || seq.ClockOffset != 1000 {
		t.Fatalf("resolved = %+v", seq)
	}
	if seq.Tasks[0].Name != "read-sensor" || seq.Tasks[1].Name != "task-2" {
		t.Fatalf("names = %q, %q", seq.Tasks[0].Name, seq.Tasks[1].Name)
	}
	if seq.Tasks[1].Delay != 1200 || seq.Tasks[1].MinWork != 700 || seq.Tasks[1].Work == nil {
		t.Fatalf("task 1 = %+v", seq.Tasks[1])
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{name: "unknown yaml field", file: "c.yaml", body: "sequencer:\n  interval: 5s\n  priority: high\n", wantErr: "unknown field"},
		{name: "unknown json field", file: "c.json", body: `{"bogus": 1}`, wantErr: "unknown field"},
		{name: "trailing json", file: "c.json", body: `{} {}`, wantErr: "trailing data"},
		{name: "bad yaml", file: "c.yml", body: "a: [", wantErr: "yaml config"},
		{name: "sniffed json", file: "config", body: `{"logging": {"level": "warn"}}`},
		{name: "sniffed yaml", file: "config", body: "logging:\n  level: warn\n"},
		{name: "empty yaml", file: "c.yaml", body: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveSequencerBudget(t *testing.T) {
	t.Parallel()
	tight := SequencerConfig{
		Interval: "1s",
		Tasks: []TaskConfig{
			{Delay: "600ms", MinWork: "100ms"},
			{Delay: "300ms", MinWork: "50ms"},
		},
	}
	_, err := ResolveSequencer(tight)
	if !errors.Is(err, sequencer.ErrBudgetTooSmall) {
		t.Fatalf("err = %v, want ErrBudgetTooSmall", err)
	}
	var be *sequencer.BudgetError
	if !errors.As(err, &be) || be.Need() != 1050 {
		t.Fatalf("BudgetError = %+v", be)
	}

	tight.SkipBudgetCheck = true
	seq, err := ResolveSequencer(tight)
	if err != nil {
		t.Fatalf("skip_budget_check: %v", err)
	}
	if len(seq.Options(sequencer.NopReporter{})) != 3 {
		t.Fatalf("WithoutBudgetCheck not added")
	}
}

func TestResolveSequencerErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  SequencerConfig
		want string
	}{
		{name: "no tasks", cfg: SequencerConfig{}, want: "empty"},
		{name: "missing delay", cfg: SequencerConfig{Tasks: []TaskConfig{{Name: "x"}}}, want: "tasks[0].delay: required"},
		{name: "bad delay", cfg: SequencerConfig{Tasks: []TaskConfig{{Delay: "soon"}}}, want: "invalid duration"},
		{name: "negative work", cfg: SequencerConfig{Tasks: []TaskConfig{{Delay: "1s", Work: "-1s"}}}, want: ">= 0"},
		{name: "sub-millisecond", cfg: SequencerConfig{Tasks: []TaskConfig{{Delay: "1500us"}}}, want: "finer than a millisecond"},
		{name: "interval overflow", cfg: SequencerConfig{Interval: "1200h", Tasks: []TaskConfig{{Delay: "1s"}}}, want: "sequencer.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ResolveSequencer(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestResolveSections(t *testing.T) {
	t.Parallel()

	st, retention, err := ResolveStorage(&StorageConfig{Driver: "SQLite", Path: " ./h.db ", Retention: "72h"})
	if err != nil || st.Driver != "sqlite" || st.Path != "./h.db" || st.BusyTimeout != 5*time.Second || retention != 72*time.Hour {
		t.Fatalf("ResolveStorage = %+v, %v, %v", st, retention, err)
	}
	if _, _, err := ResolveStorage(&StorageConfig{Driver: "mongo", Path: "x"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, _, err := ResolveStorage(&StorageConfig{Driver: "file"}); err == nil {
		t.Fatalf("expected missing path error")
	}
	if st, _, err := ResolveStorage(nil); err != nil || st.Driver != "" {
		t.Fatalf("nil storage = %+v, %v", st, err)
	}

	ac, err := ResolveAlerts(AlertsConfig{})
	if err != nil || ac.Enabled || ac.Every != DefaultAlertEvery || ac.Burst != 1 {
		t.Fatalf("ResolveAlerts defaults = %+v, %v", ac, err)
	}
	if _, err := ResolveAlerts(AlertsConfig{Telegram: TelegramAlertConfig{Enabled: true, ChatID: 1}}); err == nil {
		t.Fatalf("expected token error")
	}

	opt, size, err := ResolveDiagnostics(DiagnosticsConfig{OverrunWarnEvery: "30s"})
	if err != nil || opt.WarnEvery != 30*time.Second || opt.WarnBurst != 1 || size != DefaultHistorySize {
		t.Fatalf("ResolveDiagnostics = %+v, %d, %v", opt, size, err)
	}
	if _, _, err := ResolveDiagnostics(DiagnosticsConfig{HistorySize: -1}); err == nil {
		t.Fatalf("expected history_size error")
	}

	if _, err := ResolveMaintenance(MaintenanceConfig{Summary: "every day"}, 0); err == nil {
		t.Fatalf("expected schedule error")
	}
	if d, err := ResolveWatchdog(WatchdogConfig{Interval: "20s"}); err != nil || d != 20*time.Second {
		t.Fatalf("ResolveWatchdog = %v, %v", d, err)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage:     &StorageConfig{Driver: "nope"},
		Diagnostics: DiagnosticsConfig{OverrunWarnEvery: "often"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"task table is empty", "storage.driver", "diagnostics.overrun_warn_every"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if err := Validate(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestParseDurationHelpers(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatalf("expected negative error")
	}
	ms, err := millisField("x", "4294967295ms")
	if err != nil || ms != clock.Millis(^uint32(0)) {
		t.Fatalf("max millis = %v, %v", ms, err)
	}
	if _, err := millisField("x", "4294967296ms"); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	same, _ := Decode("c.yaml", []byte(sampleYAML))
	if changed, _, _ := SummarizeConfigChange(old, same); len(changed) != 0 {
		t.Fatalf("identical configs changed: %v", changed)
	}

	next, _ := Decode("c.yaml", []byte(sampleYAML))
	next.Logging.Level = "info"
	next.Alerts.Telegram.Token = "secret-token"
	next.Sequencer.Tasks[0].Delay = "400ms"
	next.Diagnostics.HistorySize = 512

	changed, attrs, restart := SummarizeConfigChange(old, next)
	for _, s := range []string{"logging", "alerts", "sequencer", "diagnostics"} {
		if !slices.Contains(changed, s) {
			t.Fatalf("changed = %v, missing %s", changed, s)
		}
	}
	if !slices.Contains(restart, "sequencer") || !slices.Contains(restart, "diagnostics.history_size") {
		t.Fatalf("restart = %v", restart)
	}
	if slices.Contains(restart, "logging") || slices.Contains(restart, "alerts") {
		t.Fatalf("live sections flagged for restart: %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
}

func TestWatchPublishesValidEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Invalid edits are rejected; keep rewriting until the watcher is up
	// and a valid edit is published.
	bad := strings.Replace(sampleYAML, "interval: 5s", "interval: 1s", 1)
	good := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "warn" {
				t.Fatalf("Get not updated")
			}
			return
		case <-tick.C:
			body := good
			if i%2 == 0 {
				body = bad
			}
			writeFile(t, dir, "config.yaml", body)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
}

func TestResolveDebug(t *testing.T) {
	t.Parallel()
	d, err := ResolveDebug(DebugConfig{Enabled: true, Pprof: true}, 5000)
	if err != nil {
		t.Fatalf("ResolveDebug: %v", err)
	}
	if d.StaleAfter != 15*time.Second || !d.Pprof || d.Addr != "" {
		t.Fatalf("debug = %+v", d)
	}
	if _, err := ResolveDebug(DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}, 5000); err == nil {
		t.Fatalf("expected insecure bind error")
	}
	if _, err := ResolveDebug(DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "t", StaleAfter: "1m"}, 5000); err != nil {
		t.Fatalf("token bind: %v", err)
	}
	if _, err := ResolveDebug(DebugConfig{StaleAfter: "soon"}, 5000); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestReloadSkipsCosmeticEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()

	writeFile(t, dir, "config.yaml", "# edited\n"+sampleYAML)
	if m.reload(ctx) {
		t.Fatalf("comment-only edit was published")
	}
	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "level: debug", "level: info", 1))
	if !m.reload(ctx) {
		t.Fatalf("real edit was not published")
	}
	writeFile(t, dir, "config.yaml", "sequencer: [")
	if m.reload(ctx) || m.Get().Logging.Level != "info" {
		t.Fatalf("broken file replaced the current config")
	}
}
