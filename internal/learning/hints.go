package learning

import (
	"database/sql"
	"fmt"

	"autopack/internal/logging"
)

// WildcardPhase marks a hint that applies to every phase of its run.
const WildcardPhase = "*"

// RecordHint stores a run hint, or bumps attempts_seen when the identical
// hint is recorded again. The returned count is the total attempts that
// have produced this hint.
func (s *Store) RecordHint(runID, phaseID, category, body string) (int, error) {
	if runID == "" || body == "" {
		return 0, fmt.Errorf("hint needs run id and body")
	}
	if phaseID == "" {
		phaseID = WildcardPhase
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO run_hints (run_id, phase_id, category, body, attempts_seen)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(run_id, phase_id, body) DO UPDATE SET
			attempts_seen = attempts_seen + 1,
			category = excluded.category`,
		runID, phaseID, category, body)
	if err != nil {
		return 0, fmt.Errorf("record hint: %w", err)
	}

	var seen int
	err = s.db.QueryRow(`
		SELECT attempts_seen FROM run_hints WHERE run_id = ? AND phase_id = ? AND body = ?`,
		runID, phaseID, body).Scan(&seen)
	if err != nil {
		return 0, fmt.Errorf("read hint count: %w", err)
	}
	return seen, nil
}

// HintsForPhase returns the hints for one phase plus the run's wildcard
// hints, oldest first.
func (s *Store) HintsForPhase(runID, phaseID string) ([]RunHint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, phase_id, category, body, attempts_seen, created_at
		FROM run_hints
		WHERE run_id = ? AND (phase_id = ? OR phase_id = ?)
		ORDER BY created_at, id`,
		runID, phaseID, WildcardPhase)
	if err != nil {
		return nil, fmt.Errorf("load hints: %w", err)
	}
	defer rows.Close()
	return collectHints(rows)
}

// DiscardRun drops all of a run's hints; they do not outlive it.
func (s *Store) DiscardRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM run_hints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("discard run hints: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.LearningDebug("Discarded %d hints for run %s", n, runID)
	}
	return nil
}

// PromotionCandidates returns the run's hints seen on at least
// PromotionMinAttempts successful attempts. Promotion itself stays a
// separate, explicit step.
func (s *Store) PromotionCandidates(runID string) ([]RunHint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, run_id, phase_id, category, body, attempts_seen, created_at
		FROM run_hints
		WHERE run_id = ? AND attempts_seen >= ?
		ORDER BY attempts_seen DESC, id`,
		runID, PromotionMinAttempts)
	if err != nil {
		return nil, fmt.Errorf("load promotion candidates: %w", err)
	}
	defer rows.Close()
	return collectHints(rows)
}

// PromoteHint turns a candidate hint into a learned rule under the given
// scope. The hint row stays; run teardown discards it with the rest.
func (s *Store) PromoteHint(id int64, scope string) error {
	s.mu.RLock()
	var h RunHint
	err := s.db.QueryRow(`
		SELECT id, run_id, phase_id, category, body, attempts_seen, created_at
		FROM run_hints WHERE id = ?`, id).
		Scan(&h.ID, &h.RunID, &h.PhaseID, &h.Category, &h.Body, &h.AttemptsSeen, new(string))
	s.mu.RUnlock()
	if err == sql.ErrNoRows {
		return fmt.Errorf("hint %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("load hint: %w", err)
	}
	if h.AttemptsSeen < PromotionMinAttempts {
		return fmt.Errorf("hint %d seen on %d attempts, needs %d", id, h.AttemptsSeen, PromotionMinAttempts)
	}
	if scope == "" {
		if h.Category == "" {
			return fmt.Errorf("hint %d has no category, scope required", id)
		}
		scope = categoryPrefix + h.Category
	}
	if err := s.ReinforceRule(scope, h.Body); err != nil {
		return err
	}
	logging.Learning("Promoted hint %d to rule scope=%q", id, scope)
	return nil
}

func collectHints(rows *sql.Rows) ([]RunHint, error) {
	var out []RunHint
	for rows.Next() {
		var (
			h         RunHint
			createdAt string
		)
		if err := rows.Scan(&h.ID, &h.RunID, &h.PhaseID, &h.Category, &h.Body, &h.AttemptsSeen, &createdAt); err != nil {
			return nil, fmt.Errorf("scan hint: %w", err)
		}
		h.CreatedAt = parseSQLiteTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
