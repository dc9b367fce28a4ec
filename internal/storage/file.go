package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "loopsched/pkg/logx"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("storage: store closed")

const maxLine = 1 << 20

// jsonlStore appends one JSON object per cycle to <name>.cycles.jsonl next to
// the configured path. Pruning writes the survivors to a temp file and
// renames it over the original.
type jsonlStore struct {
	log  logx.Logger
	path string

	mu  sync.Mutex
	out *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: file driver needs a path")
	}
	s := &jsonlStore{log: log, path: jsonlPath(path)}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := s.openAppend(); err != nil {
		return nil, err
	}
	return s, nil
}

func jsonlPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".cycles.jsonl"
}

func (s *jsonlStore) openAppend() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	s.out = f
	return nil
}

func (s *jsonlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}

func (s *jsonlStore) AppendCycle(_ context.Context, r CycleRecord) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("storage: encode cycle: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return ErrClosed
	}
	_, err = s.out.Write(append(line, '\n'))
	return err
}

func (s *jsonlStore) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	all, err := s.readAll(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tail := all[max(0, len(all)-limit):]
	slices.Reverse(tail)
	return tail, nil
}

func (s *jsonlStore) PruneBefore(ctx context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return 0, ErrClosed
	}
	all, err := s.readAll(ctx)
	if err != nil {
		return 0, err
	}
	keep := slices.DeleteFunc(slices.Clone(all), func(r CycleRecord) bool { return r.At.Before(t) })
	removed := len(all) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	if err := writeJSONL(tmp, keep); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	_ = s.out.Close()
	s.out = nil
	renameErr := os.Rename(tmp, s.path)
	if err := s.openAppend(); err != nil {
		return 0, err
	}
	if renameErr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("storage: %w", renameErr)
	}
	return removed, nil
}

func writeJSONL(path string, recs []CycleRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readAll returns every readable record, oldest first. Lines that do not
// decode are skipped and counted in a debug line.
func (s *jsonlStore) readAll(ctx context.Context) ([]CycleRecord, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out []CycleRecord
		bad int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(nil, maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r CycleRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			bad++
			continue
		}
		out = append(out, r)
	}
	if bad > 0 {
		s.log.Debug("skipped unreadable cycle records", logx.Int("count", bad), logx.String("path", s.path))
	}
	return out, sc.Err()
}
