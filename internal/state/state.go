// Package state is a small embedded ledger of past and current sandbox
// runs, backed by modernc.org/sqlite (pure Go, CGo-free, the same choice
// and WAL journal setup the teacher used for its own session
// store). It exists for "dabba ps"/"dabba prune" bookkeeping only --
// nothing here supervises a running sandbox, so it carries no process
// beyond the one invocation that opens it.
package state

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandbox_runs (
	id          TEXT PRIMARY KEY,
	image       TEXT NOT NULL,
	cgroup_path TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	exit_status INTEGER
)`

// Record is one row describing a past or current sandbox run.
type Record struct {
	ID         string
	Image      string
	CgroupPath string
	Pid        int
	StartedAt  time.Time
	FinishedAt *time.Time
	ExitStatus *int
}

// Ledger owns the sqlite connection backing the sandbox-run table.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and
// ensures the sandbox_runs table exists.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", dsn, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying sqlite connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Start records a newly spawned sandbox run. Call once per Spawn, right
// after a Sandbox handle is returned.
func (l *Ledger) Start(r Record) error {
	_, err := l.db.Exec(
		`INSERT INTO sandbox_runs (id, image, cgroup_path, pid, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Image, r.CgroupPath, r.Pid, r.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("state: record run %s: %w", r.ID, err)
	}
	return nil
}

// Finish marks run id as finished with exitStatus, the sandbox's own
// Wait having returned.
func (l *Ledger) Finish(id string, exitStatus int) error {
	_, err := l.db.Exec(
		`UPDATE sandbox_runs SET finished_at = ?, exit_status = ? WHERE id = ?`,
		time.Now().UTC(), exitStatus, id,
	)
	if err != nil {
		return fmt.Errorf("state: finish run %s: %w", id, err)
	}
	return nil
}

// List returns every tracked run, most recent first.
func (l *Ledger) List() ([]Record, error) {
	rows, err := l.db.Query(
		`SELECT id, image, cgroup_path, pid, started_at, finished_at, exit_status
		 FROM sandbox_runs ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("state: list runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Image, &r.CgroupPath, &r.Pid, &r.StartedAt, &r.FinishedAt, &r.ExitStatus); err != nil {
			return nil, fmt.Errorf("state: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Unfinished returns every run with no recorded finish time: the set
// Prune sweeps for dead pids after a crash.
func (l *Ledger) Unfinished() ([]Record, error) {
	rows, err := l.db.Query(
		`SELECT id, image, cgroup_path, pid, started_at, finished_at, exit_status
		 FROM sandbox_runs WHERE finished_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("state: list unfinished runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Image, &r.CgroupPath, &r.Pid, &r.StartedAt, &r.FinishedAt, &r.ExitStatus); err != nil {
			return nil, fmt.Errorf("state: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes run id's row entirely, once prune has finished
// reclaiming whatever cgroup directory it left behind.
func (l *Ledger) Delete(id string) error {
	if _, err := l.db.Exec(`DELETE FROM sandbox_runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("state: delete run %s: %w", id, err)
	}
	return nil
}
