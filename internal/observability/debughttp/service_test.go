package debughttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loopsched/internal/diag"
	"loopsched/internal/runtime/supervisor"
	"loopsched/internal/sequencer"
	logx "loopsched/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(hdr) == 2 {
		req.Header.Set(hdr[0], hdr[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := diag.Stats{Since: now.Add(-time.Minute), LastAt: now.Add(-2 * time.Second)}

	s := New(Config{StaleAfter: 15 * time.Second}, Deps{Stats: func() diag.Stats { return st }}, logx.Nop())
	s.now = func() time.Time { return now }

	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	st.LastAt = now.Add(-20 * time.Second)
	rec := get(t, s.Handler(), "/healthz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "no cycle completed for 20s") {
		t.Fatalf("stale healthz = %d %q", rec.Code, rec.Body.String())
	}

	// before the first cycle the start time counts
	st = diag.Stats{Since: now.Add(-time.Second)}
	if rec := get(t, s.Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("startup healthz = %d", rec.Code)
	}
}

func TestStatsAndGoroutines(t *testing.T) {
	t.Parallel()
	st := diag.Stats{
		Cycles:   3,
		Overruns: 1,
		Last:     sequencer.CycleReport{Cycle: 3, Elapsed: 4965},
		Window:   3,
		Max:      5232,
		Tasks:    []diag.TaskStats{{Index: 0, Name: "read-sensor", Count: 3, MeanLatency: 10}},
	}
	s := New(Config{}, Deps{
		Stats:      func() diag.Stats { return st },
		Goroutines: func() []supervisor.Stats { return []supervisor.Stats{{Name: "sequencer.loop", Active: 1, Started: 1}} },
	}, logx.Nop())

	rec := get(t, s.Handler(), "/stats")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("stats = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	var v statsView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Cycles != 3 || v.LastElapsedMS != 4965 || v.MaxMS != 5232 || v.LastAt != nil || len(v.Tasks) != 1 || v.Tasks[0].Name != "read-sensor" {
		t.Fatalf("stats = %+v", v)
	}

	rec = get(t, s.Handler(), "/goroutines")
	var gs []goroutineView
	if err := json.Unmarshal(rec.Body.Bytes(), &gs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gs) != 1 || gs[0].Name != "sequencer.loop" || gs[0].Active != 1 {
		t.Fatalf("goroutines = %+v", gs)
	}

	rec = get(t, s.Handler(), "/stats/tasks/0")
	var tv taskView
	if err := json.Unmarshal(rec.Body.Bytes(), &tv); err != nil || tv.Name != "read-sensor" || tv.MeanLatencyMS != 10 {
		t.Fatalf("task 0 = %+v (%v)", tv, err)
	}
	if rec := get(t, s.Handler(), "/stats/tasks/9"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task = %d", rec.Code)
	}
	if rec := get(t, s.Handler(), "/stats/tasks/x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad index = %d", rec.Code)
	}

	if rec := get(t, s.Handler(), "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "s3cret", Pprof: true}, Deps{}, logx.Nop())
	h := s.Handler()

	cases := []struct {
		name   string
		target string
		hdr    []string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/stats", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/stats", []string{"Authorization", "Bearer x"}, http.StatusUnauthorized},
		{"pprof", "/debug/pprof/", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if rec := get(t, h, tc.target, tc.hdr...); rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Enabled: true}, false},
		{Config{Enabled: true, Addr: "localhost:7000"}, false},
		{Config{Enabled: true, Addr: "[::1]:7000"}, false},
		{Config{Enabled: true, Addr: ":7000"}, true},
		{Config{Enabled: true, Addr: "0.0.0.0:7000", Token: "t"}, false},
		{Config{Enabled: true, Addr: "0.0.0.0:7000", AllowInsecure: true}, false},
		{Config{Enabled: false, Addr: "0.0.0.0:7000"}, false},
	}
	for _, tc := range cases {
		if err := CheckBind(tc.cfg); (err != nil) != tc.wantErr {
			t.Fatalf("CheckBind(%+v) = %v", tc.cfg, err)
		}
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no bound addr")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	if err := s.Apply(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"}); err == nil {
		t.Fatalf("expected insecure bind to be rejected")
	}
	if s.Addr() != addr {
		t.Fatalf("rejected config changed the server")
	}

	if err := s.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("Apply(disabled): %v", err)
	}
	if s.Addr() != "" || s.Enabled() {
		t.Fatalf("server still running after disable")
	}
	s.Stop(ctx)
}
