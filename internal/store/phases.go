package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"autopack/internal/logging"
	"autopack/internal/plan"
	"autopack/internal/run"
)

const phaseColumns = `run_id, id, spec_json, state, original_intent, retry_attempt,
	escalation_level, doctor_calls, replans, error_history_json, hints_json, result_json, updated_at`

// CreatePhases inserts the runtime records for all of a run's phases in one
// transaction, preserving plan order.
func (s *Store) CreatePhases(phases []*run.Phase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return persistErr("create-phases", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO phases (` + phaseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return persistErr("create-phases", err)
	}
	defer stmt.Close()

	for _, p := range phases {
		cols, err := phaseValues(p)
		if err != nil {
			return persistErr("create-phases", err)
		}
		if _, err := stmt.Exec(cols...); err != nil {
			return persistErr("create-phases", fmt.Errorf("phase %s: %w", p.ID(), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return persistErr("create-phases", err)
	}
	logging.StoreDebug("Created %d phase records", len(phases))
	return nil
}

// SavePhase rewrites a phase's full runtime record. The write is one
// statement, so every phase state transition commits atomically with the
// counters and history that accompany it.
func (s *Store) SavePhase(p *run.Phase) error {
	cols, err := phaseValues(p)
	if err != nil {
		return persistErr("save-phase", err)
	}
	// phaseValues orders run_id, id first; reuse the tail for SET.
	res, err := s.db.Exec(`
		UPDATE phases SET spec_json = ?, state = ?, original_intent = ?, retry_attempt = ?,
			escalation_level = ?, doctor_calls = ?, replans = ?, error_history_json = ?,
			hints_json = ?, result_json = ?, updated_at = ?
		WHERE run_id = ? AND id = ?`,
		append(cols[2:], cols[0], cols[1])...)
	if err != nil {
		return persistErr("save-phase", err)
	}
	return requireRow(res, fmt.Sprintf("phase %s/%s", p.RunID, p.ID()))
}

// GetPhase loads one phase record.
func (s *Store) GetPhase(runID, phaseID string) (*run.Phase, error) {
	row := s.db.QueryRow(`SELECT `+phaseColumns+` FROM phases WHERE run_id = ? AND id = ?`, runID, phaseID)
	p, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase %s/%s: %w", runID, phaseID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get-phase", err)
	}
	return p, nil
}

// ListPhases returns all of a run's phases in plan order.
func (s *Store) ListPhases(runID string) ([]*run.Phase, error) {
	return s.queryPhases(`SELECT `+phaseColumns+` FROM phases WHERE run_id = ? ORDER BY rowid`, runID)
}

// PhasesByState returns a run's phases currently in the given state, in plan
// order. Backed by the (run_id, state) index.
func (s *Store) PhasesByState(runID string, state run.PhaseState) ([]*run.Phase, error) {
	return s.queryPhases(`SELECT `+phaseColumns+` FROM phases WHERE run_id = ? AND state = ? ORDER BY rowid`,
		runID, string(state))
}

func (s *Store) queryPhases(query string, args ...interface{}) ([]*run.Phase, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, persistErr("query-phases", err)
	}
	defer rows.Close()

	var out []*run.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, persistErr("query-phases", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// phaseValues marshals a phase into column order.
func phaseValues(p *run.Phase) ([]interface{}, error) {
	specJSON, err := json.Marshal(p.Spec)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	historyJSON, err := json.Marshal(p.ErrorHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal error history: %w", err)
	}
	hintsJSON, err := json.Marshal(p.Hints)
	if err != nil {
		return nil, fmt.Errorf("marshal hints: %w", err)
	}
	resultJSON := ""
	if p.Result != nil {
		raw, err := json.Marshal(p.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(raw)
	}
	return []interface{}{
		p.RunID, p.ID(), string(specJSON), string(p.State), p.OriginalIntent,
		p.RetryAttempt, p.EscalationLevel, p.DoctorCalls, p.Replans,
		string(historyJSON), string(hintsJSON), resultJSON, fmtTime(p.UpdatedAt),
	}, nil
}

func scanPhase(row interface{ Scan(...interface{}) error }) (*run.Phase, error) {
	var (
		p           run.Phase
		phaseID     string
		specJSON    string
		state       string
		historyJSON string
		hintsJSON   string
		resultJSON  string
		updatedAt   string
	)
	err := row.Scan(&p.RunID, &phaseID, &specJSON, &state, &p.OriginalIntent,
		&p.RetryAttempt, &p.EscalationLevel, &p.DoctorCalls, &p.Replans,
		&historyJSON, &hintsJSON, &resultJSON, &updatedAt)
	if err != nil {
		return nil, err
	}
	var spec plan.PhaseSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec for phase %s: %w", phaseID, err)
	}
	p.Spec = spec
	p.State = run.PhaseState(state)
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &p.ErrorHistory); err != nil {
			return nil, fmt.Errorf("unmarshal error history for phase %s: %w", phaseID, err)
		}
	}
	if hintsJSON != "" {
		if err := json.Unmarshal([]byte(hintsJSON), &p.Hints); err != nil {
			return nil, fmt.Errorf("unmarshal hints for phase %s: %w", phaseID, err)
		}
	}
	if resultJSON != "" {
		var res run.PhaseResult
		if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result for phase %s: %w", phaseID, err)
		}
		p.Result = &res
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// TransitionPhase is the minimal transition write used when only the state
// changes (suspension and resumption), guarded by the prior state.
func (s *Store) TransitionPhase(runID, phaseID string, from, to run.PhaseState) error {
	res, err := s.db.Exec(`UPDATE phases SET state = ?, updated_at = ? WHERE run_id = ? AND id = ? AND state = ?`,
		string(to), fmtTime(time.Now().UTC()), runID, phaseID, string(from))
	if err != nil {
		return persistErr("transition-phase", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("transition-phase", err)
	}
	if n == 0 {
		// Distinguish a missing row from a state mismatch for the caller.
		if _, getErr := s.GetPhase(runID, phaseID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("phase %s/%s: %s -> %s: %w", runID, phaseID, from, to, ErrStaleTransition)
	}
	logging.Store("Phase %s/%s: %s -> %s", runID, phaseID, from, to)
	return nil
}
