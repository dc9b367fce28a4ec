// Package debughttp serves an optional operator endpoint: liveness, cycle
// statistics, goroutine summaries and pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"loopsched/internal/diag"
	"loopsched/internal/runtime/supervisor"
	logx "loopsched/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	// StaleAfter fails /healthz when no cycle completed for this long.
	// Zero disables the check.
	StaleAfter time.Duration
}

// Deps are the read-only views the handlers expose. Nil funcs serve empty
// results.
type Deps struct {
	Stats      func() diag.Stats
	Goroutines func() []supervisor.Stats
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps
	now  func() time.Time

	ln  net.Listener
	srv *http.Server
	sup *supervisor.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log, now: time.Now}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// CheckBind rejects a non-loopback address without a token unless insecure
// binds are allowed.
func CheckBind(cfg Config) error {
	if !cfg.Enabled || cfg.AllowInsecure || strings.TrimSpace(cfg.Token) != "" {
		return nil
	}
	if !isLoopbackAddr(addrOrDefault(cfg.Addr)) {
		return fmt.Errorf("debug: non-loopback addr %q requires token or allow_insecure", cfg.Addr)
	}
	return nil
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	if err := CheckBind(cfg); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addrOrDefault(cfg.Addr))
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// optional endpoint; never take the process down
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.ln = ln
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(ln.Addr().String()) {
		s.log.Warn("debug endpoint running without token on non-loopback addr (insecure)", logx.String("addr", ln.Addr().String()))
	}
	s.log.Info("debug endpoint started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)
	return nil
}

// Stop shuts the server down, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln, sup := s.srv, s.ln, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("debug endpoint stopped")
}

// Apply swaps the config and starts, stops or restarts the server as needed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := CheckBind(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		return s.Start(ctx)
	}
	// StaleAfter is read per request
	return nil
}

func needsRestart(a, b Config) bool {
	return addrOrDefault(a.Addr) != addrOrDefault(b.Addr) ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	cfg := s.cfg
	s.mu.Unlock()

	if ln == nil {
		// previous listener died; bind again
		var err error
		if ln, err = net.Listen("tcp", addrOrDefault(cfg.Addr)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.mu.Lock()
	if s.ln == ln {
		s.ln = nil
	}
	s.mu.Unlock()
	return err
}

// Handler builds the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireToken(cfg.Token))

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.stats)
	r.Get("/stats/tasks/{index}", s.taskStats)
	r.Get("/goroutines", s.goroutines)

	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Service) snapshot() diag.Stats {
	if s.deps.Stats == nil {
		return diag.Stats{}
	}
	return s.deps.Stats()
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	stale := s.cfg.StaleAfter
	s.mu.Unlock()

	if stale > 0 {
		st := s.snapshot()
		ref := st.LastAt
		if ref.IsZero() {
			ref = st.Since
		}
		if age := s.now().Sub(ref); !ref.IsZero() && age > stale {
			http.Error(w, fmt.Sprintf("no cycle completed for %s", age.Round(time.Millisecond)), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type taskView struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Count         uint64 `json:"count"`
	MeanLatencyMS uint32 `json:"mean_latency_ms"`
	MaxLatencyMS  uint32 `json:"max_latency_ms"`
}

type statsView struct {
	Since          time.Time  `json:"since"`
	Cycles         uint64     `json:"cycles"`
	Overruns       uint64     `json:"overruns"`
	MaxOvershootMS uint32     `json:"max_overshoot_ms"`
	LastCycle      uint64     `json:"last_cycle"`
	LastElapsedMS  uint32     `json:"last_elapsed_ms"`
	LastAt         *time.Time `json:"last_at,omitempty"`
	Window         int        `json:"window"`
	MinMS          uint32     `json:"min_ms"`
	MeanMS         uint32     `json:"mean_ms"`
	MedianMS       uint32     `json:"median_ms"`
	P95MS          uint32     `json:"p95_ms"`
	MaxMS          uint32     `json:"max_ms"`
	Tasks          []taskView `json:"tasks"`
}

func (s *Service) stats(w http.ResponseWriter, _ *http.Request) {
	st := s.snapshot()
	v := statsView{
		Since:          st.Since,
		Cycles:         st.Cycles,
		Overruns:       st.Overruns,
		MaxOvershootMS: uint32(st.MaxOvershoot),
		LastCycle:      st.Last.Cycle,
		LastElapsedMS:  uint32(st.Last.Elapsed),
		Window:         st.Window,
		MinMS:          uint32(st.Min),
		MeanMS:         uint32(st.Mean),
		MedianMS:       uint32(st.Median),
		P95MS:          uint32(st.P95),
		MaxMS:          uint32(st.Max),
		Tasks:          make([]taskView, 0, len(st.Tasks)),
	}
	if !st.LastAt.IsZero() {
		v.LastAt = &st.LastAt
	}
	for _, t := range st.Tasks {
		v.Tasks = append(v.Tasks, newTaskView(t))
	}
	writeJSON(w, v)
}

func newTaskView(t diag.TaskStats) taskView {
	return taskView{
		Index:         t.Index,
		Name:          t.Name,
		Count:         t.Count,
		MeanLatencyMS: uint32(t.MeanLatency),
		MaxLatencyMS:  uint32(t.MaxLatency),
	}
}

func (s *Service) taskStats(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	for _, t := range s.snapshot().Tasks {
		if t.Index == idx {
			writeJSON(w, newTaskView(t))
			return
		}
	}
	http.Error(w, "no such task", http.StatusNotFound)
}

type goroutineView struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Started   uint64 `json:"started"`
	Restarts  uint64 `json:"restarts"`
	Panics    uint64 `json:"panics"`
	LastErr   string `json:"last_err,omitempty"`
	RuntimeMS int64  `json:"runtime_ms"`
}

func (s *Service) goroutines(w http.ResponseWriter, _ *http.Request) {
	out := []goroutineView{}
	if s.deps.Goroutines != nil {
		for _, g := range s.deps.Goroutines() {
			out = append(out, goroutineView{
				Name:      g.Name,
				Active:    g.Active,
				Started:   g.Started,
				Restarts:  g.Restarts,
				Panics:    g.Panics,
				LastErr:   g.LastErr,
				RuntimeMS: g.Runtime.Milliseconds(),
			})
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
