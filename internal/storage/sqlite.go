package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "loopsched/pkg/logx"
)

//go:embed migrations.sql
var schema string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const defaultBusyTimeout = 5 * time.Second

const cycleColumns = `run_id, cycle, at_ms, elapsed_ms, budget_ms, compensation_ms, overshoot_ms, overrun, tasks`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// one writer; the busy timeout covers the CLI reading concurrently
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return s, nil
}

// sqliteDSN applies the pragmas on every new connection.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendCycle(ctx context.Context, r CycleRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	var tasks sql.NullString
	if len(r.Tasks) > 0 {
		b, err := json.Marshal(r.Tasks)
		if err != nil {
			return fmt.Errorf("storage: encode tasks: %w", err)
		}
		tasks = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles(`+cycleColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, int64(r.Cycle), r.At.UnixMilli(), r.ElapsedMS, r.BudgetMS,
		r.CompensationMS, r.OvershootMS, r.Overrun, tasks)
	return err
}

func (s *sqliteStore) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CycleRecord, 0, limit)
	for rows.Next() {
		r, err := s.scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) scanCycle(rows *sql.Rows) (CycleRecord, error) {
	var (
		r     CycleRecord
		cycle int64
		atMS  int64
		tasks sql.NullString
	)
	err := rows.Scan(&r.RunID, &cycle, &atMS, &r.ElapsedMS, &r.BudgetMS,
		&r.CompensationMS, &r.OvershootMS, &r.Overrun, &tasks)
	if err != nil {
		return r, err
	}
	r.Cycle = uint64(cycle)
	r.At = time.UnixMilli(atMS).UTC()
	if tasks.Valid {
		if err := json.Unmarshal([]byte(tasks.String), &r.Tasks); err != nil {
			s.log.Debug("cycle row has unreadable tasks", logx.Uint64("cycle", r.Cycle), logx.Err(err))
		}
	}
	return r, nil
}

func (s *sqliteStore) PruneBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE at_ms < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
