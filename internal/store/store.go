// Package store persists the durable run state in SQLite: runs, phases,
// save points, test baselines, approval requests, and the per-run audit
// trail. One database file serves a whole workspace; the connection is
// capped at one so SQLite's own locking is never contended from inside the
// process, and WAL keeps readers off the writer's back.
//
// Every phase state transition is a single transaction. The store returns
// ErrNotFound and ErrStaleTransition as plain sentinels callers branch on;
// anything else is wrapped in run.PersistenceError and is fatal to the run
// at the next safe commit point.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autopack/internal/logging"
	"autopack/internal/run"
)

var (
	// ErrNotFound reports a lookup for a record that does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrStaleTransition reports a guarded state update that found the row
	// in a different state than the caller assumed.
	ErrStaleTransition = errors.New("store: stale state transition")
)

// Store is the SQLite-backed run-state store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex // serializes audit sequence assignment
	path string
}

// Open initializes the database at path, creating the file and schema as
// needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, persistErr("open", fmt.Errorf("create directory %s: %w", dir, err))
	}

	db, err := sql.Open(sqlDriver, path)
	if err != nil {
		return nil, persistErr("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and markedly faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, persistErr("initialize", err)
	}

	logging.Store("Run-state store ready at %s", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// initialize creates the required tables.
func (s *Store) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		plan_json TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT NOT NULL DEFAULT '',
		finished_at TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		doctor_calls INTEGER NOT NULL DEFAULT 0,
		doctor_strong_calls INTEGER NOT NULL DEFAULT 0,
		replans INTEGER NOT NULL DEFAULT 0,
		wallclock_budget_ms INTEGER NOT NULL DEFAULT 0,
		fail_phase TEXT NOT NULL DEFAULT '',
		fail_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`

	phasesTable := `
	CREATE TABLE IF NOT EXISTS phases (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		spec_json TEXT NOT NULL,
		state TEXT NOT NULL,
		original_intent TEXT NOT NULL DEFAULT '',
		retry_attempt INTEGER NOT NULL DEFAULT 0,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		doctor_calls INTEGER NOT NULL DEFAULT 0,
		replans INTEGER NOT NULL DEFAULT 0,
		error_history_json TEXT NOT NULL DEFAULT '[]',
		hints_json TEXT NOT NULL DEFAULT '[]',
		result_json TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY(run_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_phases_run_state ON phases(run_id, state);
	`

	savePointsTable := `
	CREATE TABLE IF NOT EXISTS save_points (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		ref TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_save_points_phase ON save_points(run_id, phase_id);
	`

	// One baseline row per run; watermark updates rewrite the row.
	baselinesTable := `
	CREATE TABLE IF NOT EXISTS baselines (
		run_id TEXT PRIMARY KEY,
		passed_json TEXT NOT NULL DEFAULT '[]',
		failed_json TEXT NOT NULL DEFAULT '[]',
		collection_json TEXT NOT NULL DEFAULT '{}',
		discovery_hash TEXT NOT NULL DEFAULT '',
		annotation TEXT NOT NULL DEFAULT '',
		captured_at TEXT NOT NULL
	);
	`

	approvalsTable := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		channel_json TEXT NOT NULL DEFAULT '{}',
		timeout_at TEXT NOT NULL,
		default_on_timeout TEXT NOT NULL,
		status TEXT NOT NULL,
		decision TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_sweep ON approvals(status, timeout_at);
	CREATE INDEX IF NOT EXISTS idx_approvals_phase ON approvals(run_id, phase_id);
	`

	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_events (
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY(run_id, seq)
	);
	`

	tables := []string{runsTable, phasesTable, savePointsTable, baselinesTable, approvalsTable, auditTable}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	logging.StoreDebug("Schema initialized (%d table groups)", len(tables))
	return nil
}

// persistErr wraps a database failure in the run error taxonomy.
func persistErr(op string, err error) error {
	return &run.PersistenceError{Op: op, Err: err}
}

// timeLayout is fixed-width so stored timestamps compare and sort lexically
// (the sweeper's timeout_at <= ? relies on this).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// fmtTime renders a timestamp for storage; the zero time stores as "".
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime is the inverse of fmtTime; "" and garbage load as the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
