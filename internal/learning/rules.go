package learning

import (
	"database/sql"
	"fmt"
	"time"

	"autopack/internal/logging"
	"autopack/internal/plan"
)

// confidenceFloor hides rules that have decayed below usefulness without
// deleting them; reinforcement can still revive them.
const confidenceFloor = 0.3

// ReinforceRule records a learning. A new (scope, body) pair starts at full
// confidence; re-learning an existing pair bumps its occurrence count and
// recovers confidence lost to decay.
func (s *Store) ReinforceRule(scope, body string) error {
	if scope == "" || body == "" {
		return fmt.Errorf("rule needs scope and body")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO learned_rules (scope, body, confidence, occurrences)
		VALUES (?, ?, 1.0, 1)
		ON CONFLICT(scope, body) DO UPDATE SET
			confidence = MIN(1.0, confidence + 0.1),
			occurrences = occurrences + 1,
			last_seen = CURRENT_TIMESTAMP`,
		scope, body)
	if err != nil {
		return fmt.Errorf("reinforce rule: %w", err)
	}
	logging.LearningDebug("Reinforced rule scope=%q", scope)
	return nil
}

// RulesForPhase returns the rules whose scope selects the phase, strongest
// first. Glob matching happens in Go; SQL only applies the confidence floor.
func (s *Store) RulesForPhase(spec plan.PhaseSpec) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, scope, body, confidence, occurrences, last_seen
		FROM learned_rules
		WHERE confidence > ?
		ORDER BY confidence DESC, last_seen DESC`, confidenceFloor)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if matchesPhase(r.Scope, spec) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.LearningDebug("Matched %d rules for phase %s", len(out), spec.ID)
	return out, nil
}

// ListRules returns all rules above the confidence floor, strongest first.
func (s *Store) ListRules(limit int) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, scope, body, confidence, occurrences, last_seen
		FROM learned_rules
		WHERE confidence > ?
		ORDER BY confidence DESC, last_seen DESC`
	args := []interface{}{confidenceFloor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM learned_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DecayRules fades rules not reinforced within the past week and prunes the
// ones that have faded to noise.
func (s *Store) DecayRules(factor float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE learned_rules SET confidence = confidence * ?
		WHERE last_seen < datetime('now', '-7 days')`, factor)
	if err != nil {
		return fmt.Errorf("decay rules: %w", err)
	}
	decayed, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM learned_rules WHERE confidence < 0.1`)
	if err != nil {
		return fmt.Errorf("prune rules: %w", err)
	}
	pruned, _ := res.RowsAffected()
	if decayed > 0 || pruned > 0 {
		logging.Learning("Decayed %d rules, pruned %d", decayed, pruned)
	}
	return nil
}

func scanRule(rows *sql.Rows) (Rule, error) {
	var (
		r        Rule
		lastSeen string
	)
	if err := rows.Scan(&r.ID, &r.Scope, &r.Body, &r.Confidence, &r.Occurrences, &lastSeen); err != nil {
		return Rule{}, err
	}
	r.LastSeen = parseSQLiteTime(lastSeen)
	return r, nil
}

// parseSQLiteTime reads CURRENT_TIMESTAMP values ("2006-01-02 15:04:05").
func parseSQLiteTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
