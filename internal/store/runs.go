package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autopack/internal/logging"
	"autopack/internal/plan"
	"autopack/internal/run"
)

const runColumns = `id, plan_json, state, created_at, updated_at, started_at, finished_at,
	tokens_used, doctor_calls, doctor_strong_calls, replans, wallclock_budget_ms,
	fail_phase, fail_reason`

// CreateRun inserts a freshly submitted run.
func (s *Store) CreateRun(r *run.Run) error {
	planJSON, err := json.Marshal(r.Plan)
	if err != nil {
		return persistErr("create-run", fmt.Errorf("marshal plan: %w", err))
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(planJSON), string(r.State),
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt), fmtTime(r.StartedAt), fmtTime(r.FinishedAt),
		r.Counters.TokensUsed, r.Counters.DoctorCalls, r.Counters.DoctorStrongCalls, r.Counters.Replans,
		r.WallclockBudget.Milliseconds(), r.FailPhase, r.FailReason)
	if err != nil {
		return persistErr("create-run", err)
	}
	logging.StoreDebug("Created run %s (%d phases)", r.ID, len(r.Plan.Phases))
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(id string) (*run.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get-run", err)
	}
	return r, nil
}

// ListRuns returns runs newest-first, optionally filtered to the given
// states.
func (s *Store) ListRuns(states ...run.RunState) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]interface{}, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, persistErr("list-runs", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, persistErr("list-runs", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRun moves a run to the next lifecycle state in one transaction,
// validating against the shared transition table. Entering running stamps
// started_at on first entry; entering a terminal state stamps finished_at.
// Returns ErrStaleTransition when the stored state does not permit the move.
func (s *Store) TransitionRun(id string, to run.RunState) error {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return persistErr("transition-run", err)
	}
	defer tx.Rollback()

	var cur, startedAt, finishedAt string
	err = tx.QueryRow(`SELECT state, started_at, finished_at FROM runs WHERE id = ?`, id).
		Scan(&cur, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return persistErr("transition-run", err)
	}
	if !run.ValidRunTransition(run.RunState(cur), to) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, cur, to, ErrStaleTransition)
	}

	if to == run.RunRunning && startedAt == "" {
		startedAt = fmtTime(now)
	}
	if to.Terminal() {
		finishedAt = fmtTime(now)
	}
	_, err = tx.Exec(`UPDATE runs SET state = ?, updated_at = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(to), fmtTime(now), startedAt, finishedAt, id)
	if err != nil {
		return persistErr("transition-run", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("transition-run", err)
	}
	logging.Store("Run %s: %s -> %s", id, cur, to)
	return nil
}

// UpdateRunCounters persists the run-level budget counters.
func (s *Store) UpdateRunCounters(id string, c run.Counters) error {
	res, err := s.db.Exec(`
		UPDATE runs SET tokens_used = ?, doctor_calls = ?, doctor_strong_calls = ?, replans = ?, updated_at = ?
		WHERE id = ?`,
		c.TokensUsed, c.DoctorCalls, c.DoctorStrongCalls, c.Replans, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return persistErr("update-counters", err)
	}
	return requireRow(res, "run "+id)
}

// SetRunFailure records the first phase that reached failed and why.
func (s *Store) SetRunFailure(id, failPhase, failReason string) error {
	res, err := s.db.Exec(`UPDATE runs SET fail_phase = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		failPhase, failReason, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return persistErr("set-run-failure", err)
	}
	return requireRow(res, "run "+id)
}

func scanRun(row interface{ Scan(...interface{}) error }) (*run.Run, error) {
	var (
		r          run.Run
		planJSON   string
		state      string
		createdAt  string
		updatedAt  string
		startedAt  string
		finishedAt string
		budgetMs   int64
	)
	err := row.Scan(&r.ID, &planJSON, &state, &createdAt, &updatedAt, &startedAt, &finishedAt,
		&r.Counters.TokensUsed, &r.Counters.DoctorCalls, &r.Counters.DoctorStrongCalls, &r.Counters.Replans,
		&budgetMs, &r.FailPhase, &r.FailReason)
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan for run %s: %w", r.ID, err)
	}
	r.Plan = &p
	r.State = run.RunState(state)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	r.WallclockBudget = time.Duration(budgetMs) * time.Millisecond
	return &r, nil
}

// requireRow converts a zero-row UPDATE into ErrNotFound.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows-affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
