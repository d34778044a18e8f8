// Package history persists run results to SQLite so operators can see what
// happened to a host across past runs.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/patchwork/internal/fleet"
)

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun writes a finished run and all its host results in one transaction.
func (s *Store) SaveRun(ctx context.Context, res *fleet.AggregateResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, check_only, started, finished) VALUES (?, ?, ?, ?)`,
		res.RunID, res.CheckOnly, res.Started.UTC(), res.Finished.UTC()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, h := range res.Hosts {
		osName := ""
		if h.OS != nil {
			osName = h.OS.Distribution + " " + h.OS.Version
		}
		snapName := ""
		if h.Snapshot != nil {
			snapName = h.Snapshot.Name
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO host_results (run_id, host, outcome, reason, rollback_failed, os, updates, security, snapshot, started, finished)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, h.Name, h.Outcome.String(), h.Reason, h.RollbackFailed,
			osName, len(h.Updates), h.SecurityUpdates(), snapName,
			h.Started.UTC(), h.Finished.UTC()); err != nil {
			return fmt.Errorf("insert host result for %s: %w", h.Name, err)
		}
	}
	return tx.Commit()
}

// RunSummary is one past run as shown by the history listing.
type RunSummary struct {
	ID         string
	CheckOnly  bool
	Started    time.Time
	Finished   time.Time
	Hosts      int
	Failed     int
	RolledBack int
}

// RecentRuns returns the newest runs first, at most limit of them.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.check_only, r.started, r.finished,
		        COUNT(h.host),
		        SUM(CASE WHEN h.outcome = 'failed' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN h.outcome = 'rolled-back' THEN 1 ELSE 0 END)
		 FROM runs r LEFT JOIN host_results h ON h.run_id = r.id
		 GROUP BY r.id ORDER BY r.started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var rs RunSummary
		var failed, rolled sql.NullInt64
		if err := rows.Scan(&rs.ID, &rs.CheckOnly, &rs.Started, &rs.Finished, &rs.Hosts, &failed, &rolled); err != nil {
			return nil, err
		}
		rs.Failed = int(failed.Int64)
		rs.RolledBack = int(rolled.Int64)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// HostRecord is one host's result in one past run.
type HostRecord struct {
	RunID          string
	Host           string
	Outcome        string
	Reason         string
	RollbackFailed bool
	OS             string
	Updates        int
	Security       int
	Snapshot       string
	Started        time.Time
	Finished       time.Time
}

// HostHistory returns a host's results across past runs, newest first.
func (s *Store) HostHistory(ctx context.Context, host string, limit int) ([]HostRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, host, outcome, reason, rollback_failed, os, updates, security, snapshot, started, finished
		 FROM host_results WHERE host = ? ORDER BY started DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HostRecord
	for rows.Next() {
		var h HostRecord
		if err := rows.Scan(&h.RunID, &h.Host, &h.Outcome, &h.Reason, &h.RollbackFailed,
			&h.OS, &h.Updates, &h.Security, &h.Snapshot, &h.Started, &h.Finished); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
